package livequery

import (
	gc "gopkg.in/check.v1"
)

type DriverSuite struct{}

var _ = gc.Suite(&DriverSuite{})

func (s *DriverSuite) TestValidateRequiresEveryCollaborator(c *gc.C) {
	base := testConfig(nil)

	check := func(mutate func(*Config), expect string) {
		cfg := base
		mutate(&cfg)
		c.Check(cfg.Validate(), gc.ErrorMatches, expect)
	}

	check(func(cfg *Config) { cfg.Matcher = nil }, `nil Matcher not valid`)
	check(func(cfg *Config) { cfg.Comparator = nil }, `nil Comparator not valid`)
	check(func(cfg *Config) { cfg.PublishProjection = nil }, `nil PublishProjection not valid`)
	check(func(cfg *Config) { cfg.SharedProjection = nil }, `nil SharedProjection not valid`)
	check(func(cfg *Config) { cfg.OplogHandle = nil }, `nil OplogHandle not valid`)
	check(func(cfg *Config) { cfg.DocFetcher = nil }, `nil DocFetcher not valid`)
	check(func(cfg *Config) { cfg.Multiplexer = nil }, `nil Multiplexer not valid`)
	check(func(cfg *Config) { cfg.WriteFence = nil }, `nil WriteFence not valid`)
	check(func(cfg *Config) { cfg.Querier = nil }, `nil Querier not valid`)
	check(func(cfg *Config) { cfg.ModifierApplier = nil }, `nil ModifierApplier not valid`)
	check(func(cfg *Config) { cfg.Metrics = nil }, `nil Metrics not valid`)
	check(func(cfg *Config) { cfg.Logger = nil }, `nil Logger not valid`)
	check(func(cfg *Config) { cfg.Clock = nil }, `nil Clock not valid`)
}

func (s *DriverSuite) TestValidateRejectsSkip(c *gc.C) {
	cfg := testConfig(nil)
	cfg.CursorDescription.Options.Skip = 1
	c.Check(cfg.Validate(), gc.ErrorMatches, `skip > 0 not supported`)
}

func (s *DriverSuite) TestValidateRejectsLimitWithoutSort(c *gc.C) {
	cfg := testConfig(nil)
	cfg.CursorDescription.Options.Limit = 5
	c.Check(cfg.Validate(), gc.ErrorMatches, `limit without sort not supported`)
}

func (s *DriverSuite) TestNewRejectsInvalidConfig(c *gc.C) {
	cfg := testConfig(nil)
	cfg.Matcher = nil
	_, err := New(cfg)
	c.Check(err, gc.ErrorMatches, `new livequery.Driver invalid config: nil Matcher not valid`)
}

func (s *DriverSuite) TestLifecycleAndReport(c *gc.C) {
	cfg := testConfig(nil)
	d, err := New(cfg)
	c.Assert(err, gc.IsNil)
	defer d.Kill()

	report := d.Report()
	c.Assert(report, gc.NotNil)
	c.Check(report["published-size"], gc.Equals, 0)

	c.Check(d.Stop(), gc.IsNil)
}

func (s *DriverSuite) TestKillIsIdempotent(c *gc.C) {
	cfg := testConfig(nil)
	d, err := New(cfg)
	c.Assert(err, gc.IsNil)

	d.Kill()
	d.Kill()
	c.Check(d.Wait(), gc.IsNil)
}

// Command livequerydemo wires a real mgo.Session to a livequery.Driver and
// prints the added/changed/removed callback stream to stdout, exercising
// every internal/* adapter against a live replica set.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"

	"github.com/joephuz/meteor/internal/docfetch"
	"github.com/joephuz/meteor/internal/metrics"
	"github.com/joephuz/meteor/internal/mongoquery"
	"github.com/joephuz/meteor/internal/multiplex"
	"github.com/joephuz/meteor/internal/oplogtail"
	"github.com/joephuz/meteor/internal/writefence"
	"github.com/joephuz/meteor/livequery"
)

var logger = loggo.GetLogger("meteor.livequerydemo")

func main() {
	os.Exit(Main(os.Args[1:]))
}

// Main is a separate entry point so tests can drive it with arbitrary
// arguments, the way cmd/jujuc splits main() from Main(args).
func Main(args []string) int {
	fs := flag.NewFlagSet("livequerydemo", flag.ContinueOnError)
	mongoURL := fs.String("url", "mongodb://localhost:27017", "mongo connection URL")
	dbName := fs.String("db", "test", "database name")
	collection := fs.String("collection", "", "collection to watch (required)")
	equalsField := fs.String("field", "", "if set, only documents where this field equals -value are matched")
	equalsValue := fs.String("value", "", "value -field must equal")
	limit := fs.Int("limit", 0, "result set limit; 0 means unlimited")
	sortField := fs.String("sort", "_id", "field to sort by when -limit is set")
	report := fs.Bool("report", false, "periodically print Driver.Report() to stderr")
	fs.Parse(args)

	if *collection == "" {
		fmt.Fprintln(os.Stderr, "livequerydemo: -collection is required")
		return 2
	}

	if err := run(runConfig{
		mongoURL:    *mongoURL,
		dbName:      *dbName,
		collection:  *collection,
		equalsField: *equalsField,
		equalsValue: *equalsValue,
		limit:       *limit,
		sortField:   *sortField,
		report:      *report,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "livequerydemo: %v\n", err)
		return 1
	}
	return 0
}

type runConfig struct {
	mongoURL    string
	dbName      string
	collection  string
	equalsField string
	equalsValue string
	limit       int
	sortField   string
	report      bool
}

func run(cfg runConfig) error {
	session, err := mgo.Dial(cfg.mongoURL)
	if err != nil {
		return errors.Annotate(err, "dial mongo")
	}
	defer session.Close()
	session.SetMode(mgo.Monotonic, true)

	realClock := clock.WallClock

	tailer, err := oplogtail.New(oplogtail.Config{
		Session: session,
		DBName:  cfg.dbName,
		Clock:   realClock,
		Logger:  logger,
	})
	if err != nil {
		return errors.Annotate(err, "start oplog tailer")
	}
	defer tailer.Kill()

	mux := multiplex.New()
	unsubscribe := mux.AddSubscriber(&multiplex.Subscriber{
		Added:   func(id multiplex.ID, fields multiplex.Fields) { fmt.Printf("added   %v %v\n", id, fields) },
		Changed: func(id multiplex.ID, fields multiplex.Fields) { fmt.Printf("changed %v %v\n", id, fields) },
		Removed: func(id multiplex.ID) { fmt.Printf("removed %v\n", id) },
		Ready:   func() { fmt.Println("ready") },
	})
	defer unsubscribe()

	collector := metrics.New()

	fenceManager, err := writefence.New(writefence.Config{
		Clock:       realClock,
		LeakTimeout: time.Minute,
		Logger:      logger,
	})
	if err != nil {
		return errors.Annotate(err, "start write-fence manager")
	}
	defer fenceManager.Kill()

	desc := livequery.CursorDescription{
		CollectionName: cfg.collection,
		Options: livequery.CursorOptions{
			Limit: cfg.limit,
		},
	}
	if cfg.limit > 0 {
		desc.Options.Sort = bson.D{{Name: cfg.sortField, Value: 1}}
	}

	matcher := equalsMatcher{field: cfg.equalsField, value: cfg.equalsValue}
	comparator := fieldComparator{field: cfg.sortField}

	driverConfig := livequery.Config{
		CursorDescription: desc,
		Matcher:           matcher,
		Comparator:        comparator.compare,
		PublishProjection: identityProjector,
		SharedProjection:  identityProjector,

		OplogHandle:     tailer,
		DocFetcher:      docfetch.New(session, cfg.dbName, realClock, logger),
		Multiplexer:     mux,
		WriteFence:      fenceManager,
		Querier:         mongoquery.New(session, cfg.dbName),
		ModifierApplier: livequery.DefaultModifierApplier{},
		Metrics:         collector,
		Logger:          logger,
		Clock:           realClock,
	}

	driver, err := livequery.New(driverConfig)
	if err != nil {
		return errors.Annotate(err, "start driver")
	}
	defer driver.Kill()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	var reportTicks <-chan time.Time
	if cfg.report {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		reportTicks = ticker.C
	}

	for {
		select {
		case <-sigs:
			driver.Kill()
			return errors.Trace(driver.Wait())
		case <-reportTicks:
			fmt.Fprintf(os.Stderr, "report: %+v\n", driver.Report())
		}
	}
}

func identityProjector(doc livequery.Document) livequery.Document { return doc }

// equalsMatcher is a placeholder for the selector/matcher engine spec.md
// treats as out of scope: it matches every document when field is empty,
// or an exact string-equality predicate otherwise.
type equalsMatcher struct {
	field string
	value string
}

func (m equalsMatcher) DocumentMatches(doc livequery.Document) bool {
	if m.field == "" {
		return true
	}
	v, ok := doc[m.field]
	if !ok {
		return false
	}
	return fmt.Sprint(v) == m.value
}

func (m equalsMatcher) CanBecomeTrueByModifier(mod bson.M) bool {
	if m.field == "" {
		return false
	}
	for _, spec := range mod {
		fields, ok := spec.(bson.M)
		if !ok {
			continue
		}
		for name := range fields {
			if name == m.field || strings.HasPrefix(name, m.field+".") {
				return true
			}
		}
	}
	return false
}

func (m equalsMatcher) HasWhere() bool    { return false }
func (m equalsMatcher) HasGeoQuery() bool { return false }

type fieldComparator struct {
	field string
}

func (c fieldComparator) compare(a, b livequery.Document) int {
	av, bv := fmt.Sprint(a[c.field]), fmt.Sprint(b[c.field])
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	default:
		return 0
	}
}

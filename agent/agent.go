package agent

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/procflow/procflow/config"
	"github.com/procflow/procflow/correlation"
	"github.com/procflow/procflow/definition"
	"github.com/procflow/procflow/engine"
	"github.com/procflow/procflow/expr"
	"github.com/procflow/procflow/logger"
	"github.com/procflow/procflow/persistence"
	"github.com/procflow/procflow/persistence/memory"
	rds "github.com/procflow/procflow/persistence/redis"
	"github.com/procflow/procflow/persistence/sqlite"
	"github.com/procflow/procflow/scheduler"
	"github.com/procflow/procflow/work"
	"go.opencensus.io/stats/view"
	_ "modernc.org/sqlite"
)

// Executor is one startable component of the agent.
type Executor interface {
	Name() string
	Start() error
	Stop() error
}

// Agent assembles the storage layer, the engine and its executors from the
// configuration and runs them until shutdown.
type Agent struct {
	Config config.Config

	store      persistence.EventStore
	queue      persistence.WorkQueue
	engine     *engine.Engine
	executors  []Executor
	sqliteStop func() error

	shutdown     bool
	shutdownLock sync.Mutex
	wg           sync.WaitGroup
}

func New(conf config.Config) (*Agent, error) {
	a := &Agent{Config: conf}
	setup := []func() error{
		a.setupStorage,
		a.setupEngine,
		a.setupMetrics,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) setupStorage() error {
	switch a.Config.StorageType {
	case config.STORAGE_TYPE_REDIS:
		conf := rds.Config{
			Addrs:      a.Config.RedisConfig.Addrs,
			Namespace:  a.Config.RedisConfig.Namespace,
			Partitions: a.Config.QueuePartitions,
		}
		a.store = rds.NewEventStore(conf)
		a.queue = rds.NewWorkQueue(conf)
	case config.STORAGE_TYPE_SQLITE:
		db, err := sql.Open("sqlite", a.Config.SqliteConfig.Path)
		if err != nil {
			return err
		}
		store, err := sqlite.NewStore(db)
		if err != nil {
			return err
		}
		a.store = store
		a.sqliteStop = db.Close
		a.queue = memory.NewWorkQueue(4096)
	default:
		return fmt.Errorf("unknown storage type %q", a.Config.StorageType)
	}
	return nil
}

func (a *Agent) setupEngine() error {
	definitions := definition.NewService(definition.NewMemoryStorage())
	eval := expr.NewEvaluator()
	works := work.NewScheduler(a.queue)

	eng := engine.NewEngine(a.store, definitions, eval, works)
	jobs := scheduler.New(eng, a.Config.TimerWheelSizeSeconds, 5*time.Second)
	jobs.AddListener(engine.NewTimerCleanupListener(a.store))

	interval := time.Duration(a.Config.CorrelationIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	correlations := correlation.NewEngine(a.store, works, a.Config.CorrelationBatchSize, interval, &a.wg)
	eng.Bind(jobs, correlations)

	handler := work.NewHandler(a.store, eng)
	pool := work.NewPool(a.queue, handler, a.Config.WorkerCapacity, time.Second, &a.wg)

	a.engine = eng
	a.executors = []Executor{jobs, pool, correlations, eng}
	return nil
}

func (a *Agent) setupMetrics() error {
	return view.Register(correlation.Views()...)
}

// Engine exposes the execution engine for embedding callers.
func (a *Agent) Engine() *engine.Engine {
	return a.engine
}

func (a *Agent) Start() error {
	for _, ex := range a.executors {
		logger.Info("starting " + ex.Name())
		if err := ex.Start(); err != nil {
			_ = a.Shutdown()
			return err
		}
	}
	return nil
}

func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true

	for i := len(a.executors) - 1; i >= 0; i-- {
		ex := a.executors[i]
		logger.Info("stopping " + ex.Name())
		if err := ex.Stop(); err != nil {
			logger.Error("error stopping " + ex.Name())
		}
	}
	a.wg.Wait()
	if a.sqliteStop != nil {
		return a.sqliteStop()
	}
	return nil
}

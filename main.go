package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/eddielth/data-ingest/config"
	"github.com/eddielth/data-ingest/dbpoll"
	"github.com/eddielth/data-ingest/device"
	"github.com/eddielth/data-ingest/httppoll"
	"github.com/eddielth/data-ingest/logger"
	"github.com/eddielth/data-ingest/metrics"
	"github.com/eddielth/data-ingest/modbus"
	"github.com/eddielth/data-ingest/mqtt"
	"github.com/eddielth/data-ingest/serial"
	"github.com/eddielth/data-ingest/storage"
	"github.com/eddielth/data-ingest/transformer"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path of the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.InitFromConfig(
		cfg.Logger.Level,
		cfg.Logger.FilePath,
		cfg.Logger.MaxSize,
		cfg.Logger.MaxBackups,
		cfg.Logger.Console,
	); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	logger.Info("data ingest service starting, config: %s", *configPath)
	logger.Info("database drivers available for polling: %s", strings.Join(dbpoll.Drivers(), ", "))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	parser := transformer.NewManager(cfg.Framework.ParseBudget())

	opts := []device.Option{
		device.WithLogger(logger.WithComponent("device")),
		device.WithParser(parser),
		device.WithErrorReset(cfg.Framework.ErrorReset()),
		device.WithDefaultTimeout(cfg.Framework.DefaultTimeout()),
	}

	var (
		recorder      *metrics.Recorder
		metricsServer *metrics.Server
	)
	if cfg.Metrics.Enabled {
		if recorder, err = metrics.NewRecorder(); err != nil {
			logger.Error("failed to create metrics recorder: %v", err)
			os.Exit(1)
		}
		opts = append(opts, device.WithRecorder(recorder))
		metricsServer = metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path, recorder)
		if err := metricsServer.Start(func(err error) {
			logger.Error("metrics server stopped: %v", err)
		}); err != nil {
			logger.Error("failed to start metrics server: %v", err)
		} else {
			logger.Info("metrics served on %s%s", cfg.Metrics.Listen, cfg.Metrics.Path)
		}
	}

	manager, err := device.NewManager(newAdapters(), opts...)
	if err != nil {
		logger.Error("failed to create device manager: %v", err)
		os.Exit(1)
	}

	store, err := newStorage(cfg)
	if err != nil {
		logger.Error("failed to init storage: %v", err)
		os.Exit(1)
	}
	var storing sync.WaitGroup
	if store.Len() > 0 {
		sub := manager.SubscribeAll()
		storing.Add(1)
		go func() {
			defer storing.Done()
			store.Run(ctx, sub)
		}()
	}

	svc := &service{manager: manager, parser: parser, recorder: recorder, pollers: make(map[string]context.CancelFunc)}
	svc.apply(ctx, cfg)

	err = config.WatchConfig(*configPath, func(newCfg *config.Config) error {
		logger.Info("applying updated device configuration...")
		svc.apply(ctx, newCfg)
		return nil
	})
	if err != nil {
		// not fatal, devices keep running with the loaded config
		logger.Warn("failed to watch config file: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down...")
	svc.stopPollers()

	shutdown, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := manager.Close(shutdown); err != nil {
		logger.Error("failed to close device manager: %v", err)
	}
	cancel()
	storing.Wait()
	store.Close()
	if metricsServer != nil {
		if err := metricsServer.Stop(shutdown); err != nil {
			logger.Error("failed to stop metrics server: %v", err)
		}
	}
	logger.Info("service stopped")
}

func newAdapters() []device.Adapter {
	return []device.Adapter{
		serial.New(serial.WithLogger(logger.WithComponent("serial"))),
		mqtt.New(mqtt.WithLogger(logger.WithComponent("mqtt"))),
		modbus.New(modbus.WithLogger(logger.WithComponent("modbus"))),
		httppoll.New(httppoll.WithLogger(logger.WithComponent("http"))),
		dbpoll.New(dbpoll.WithLogger(logger.WithComponent("database"))),
	}
}

func newStorage(cfg *config.Config) (*storage.Manager, error) {
	var sinks []storage.Sink

	if cfg.Storage.File.Enabled {
		sink, err := storage.NewFileSink(cfg.Storage.File.Path)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}

	if cfg.Storage.Database.Enabled {
		sink, err := storage.NewDatabaseSink(cfg.Storage.Database.Type, cfg.Storage.Database.DSN)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}

	if n := cfg.Storage.NATS; n.Enabled {
		sink, err := storage.NewNATSSink(storage.NATSConfig{
			URL:           n.URL,
			SubjectPrefix: n.SubjectPrefix,
			Username:      n.Username,
			Password:      n.Password,
			Token:         n.Token,
			ClientName:    n.ClientName,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}

	return storage.NewManager(sinks, cfg.StoredEventTypes()...), nil
}

// service keeps the running devices in line with the configuration.
type service struct {
	manager  *device.Manager
	parser   *transformer.Manager
	recorder *metrics.Recorder

	mu      sync.Mutex
	known   map[string]config.DeviceConfig
	pollers map[string]context.CancelFunc
}

// apply loads parse rules, connects new devices and removes devices that
// are no longer configured. Devices already connected keep their session.
func (s *service) apply(ctx context.Context, cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	configured := make(map[string]config.DeviceConfig, len(cfg.Devices))
	for _, d := range cfg.Devices {
		configured[d.ID] = d
	}

	for id := range s.known {
		if _, ok := configured[id]; ok {
			continue
		}
		s.stopPollerLocked(id)
		if err := s.manager.Remove(ctx, id); err != nil {
			logger.Error("failed to remove device %s: %v", id, err)
		}
		if s.recorder != nil {
			s.recorder.Forget(id)
		}
		logger.Info("device %s removed", id)
	}

	for _, d := range cfg.Devices {
		if err := s.loadRule(d); err != nil {
			// the previous rule, if any, stays active
			logger.Error("%v", err)
		}

		prev, existed := s.known[d.ID]
		if existed && prev.PollIntervalMs != d.PollIntervalMs {
			s.stopPollerLocked(d.ID)
		}
		if !existed && d.ShouldConnect() {
			go s.connect(ctx, d)
		} else if _, polling := s.pollers[d.ID]; !polling {
			s.startPollerLocked(ctx, d)
		}
	}
	s.known = configured
}

func (s *service) loadRule(d config.DeviceConfig) error {
	if d.ParseRulePath != "" {
		return s.parser.LoadFile(d.ID, d.ParseRulePath)
	}
	return s.parser.SetRule(d.ID, d.ParseRule)
}

func (s *service) connect(ctx context.Context, d config.DeviceConfig) {
	conn, err := d.Connection()
	if err != nil {
		logger.Error("%v", err)
		return
	}
	// the rule was loaded by apply
	conn.ParseRule = ""

	if err := s.manager.Connect(ctx, d.ID, conn); err != nil {
		logger.Error("failed to connect device %s (%s): %v", d.ID, conn.Type, err)
	} else {
		logger.Info("device %s connected over %s", d.ID, conn.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, still := s.known[d.ID]; still {
		s.startPollerLocked(ctx, d)
	}
}

func (s *service) startPollerLocked(ctx context.Context, d config.DeviceConfig) {
	interval := d.PollInterval()
	if interval == 0 {
		return
	}
	if _, running := s.pollers[d.ID]; running {
		return
	}
	pctx, cancel := context.WithCancel(ctx)
	s.pollers[d.ID] = cancel
	go s.poll(pctx, d.ID, interval)
	logger.Info("polling device %s every %v", d.ID, interval)
}

// poll reads deviceID every interval while it is ONLINE. Readings reach the
// storage through the event bus.
func (s *service) poll(ctx context.Context, deviceID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.manager.ConnectionState(deviceID).Status != device.StatusOnline {
				continue
			}
			if _, err := s.manager.ReadData(ctx, deviceID); err != nil && ctx.Err() == nil {
				logger.Warn("poll of device %s failed: %v", deviceID, err)
			}
		}
	}
}

func (s *service) stopPollerLocked(id string) {
	if cancel, ok := s.pollers[id]; ok {
		cancel()
		delete(s.pollers, id)
	}
}

func (s *service) stopPollers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.pollers {
		s.stopPollerLocked(id)
	}
}

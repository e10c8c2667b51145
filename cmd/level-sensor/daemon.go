package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/level-sensor/internal/calstore"
	"github.com/sweeney/level-sensor/internal/config"
	"github.com/sweeney/level-sensor/internal/engine"
	"github.com/sweeney/level-sensor/internal/gpio"
	"github.com/sweeney/level-sensor/internal/metrics"
	"github.com/sweeney/level-sensor/internal/mqtt"
	"github.com/sweeney/level-sensor/internal/nvram"
	"github.com/sweeney/level-sensor/internal/sampler"
	"github.com/sweeney/level-sensor/internal/status"
	"github.com/sweeney/level-sensor/internal/web"
)

func openDriver(cfg *config.Config) (gpio.Driver, error) {
	switch cfg.IO.Driver {
	case config.DriverSerial:
		return gpio.NewSerialDriver(cfg.IO.Port, gpio.PortOptions{BaudRate: cfg.IO.BaudRate})
	default:
		return gpio.NewRealDriver(cfg.IO.Chip, cfg.Channels, cfg.IO.DetectorActiveLow)
	}
}

func openDevice(cfg *config.Config) (nvram.Device, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return nvram.NewMemDevice(cfg.Storage.Size), nil
	case config.BackendSQLite:
		return nvram.OpenSQLite(cfg.Storage.Path, cfg.Storage.Size)
	default:
		return nvram.OpenFile(cfg.Storage.Path, cfg.Storage.Size)
	}
}

// openDeviceReadOnly is openDevice for the inspection commands: a file
// image must already exist and is never rewritten.
func openDeviceReadOnly(cfg *config.Config) (nvram.Device, error) {
	if cfg.Storage.Backend == config.BackendFile {
		return nvram.OpenFileReadOnly(cfg.Storage.Path)
	}
	return openDevice(cfg)
}

func statusConfig(cfg *config.Config) status.Config {
	return status.Config{
		TickMs:         cfg.Tick.Milliseconds(),
		DebounceMs:     cfg.Engine.Debounce.Milliseconds(),
		HeartbeatMs:    cfg.Heartbeat.Milliseconds(),
		SaveCooldownMs: cfg.Engine.SaveCooldown.Milliseconds(),
		Broker:         cfg.MQTT.Broker,
		HTTPAddr:       cfg.HTTPAddr,
		Driver:         cfg.IO.Driver,
		Backend:        cfg.Storage.Backend,
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	driver, err := openDriver(cfg)
	if err != nil {
		return fmt.Errorf("init io: %w", err)
	}
	defer driver.Close()

	smp, err := sampler.New(driver, cfg.SamplerSettings())
	if err != nil {
		return fmt.Errorf("init sampler: %w", err)
	}

	dev, err := openDevice(cfg)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	defer dev.Close()

	m := metrics.NewManager(metrics.WithRuntimeCollectors(true))

	eng, err := engine.New(cfg.Channels, smp, calstore.New(dev),
		engine.WithConfig(cfg.Engine),
		engine.WithLogger(log),
		engine.WithRecorder(m),
	)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	d := &daemon{
		engine:    eng,
		publisher: mqtt.Discard,
		tracker:   status.NewTracker(time.Now(), statusConfig(cfg)),
		metrics:   m,
		log:       log,
		heartbeat: cfg.Heartbeat,
		now:       time.Now,
	}
	if net := readNetworkInfo(); net != nil {
		d.tracker.SetNetwork(net)
	}

	var mqttCommands <-chan mqtt.CommandMessage
	if cfg.MQTT.Broker != "" {
		pub, err := mqtt.NewRealPublisher(mqtt.Options{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Buffer:   cfg.MQTT.Buffer,
			Logger:   log,
		})
		if err != nil {
			return fmt.Errorf("init mqtt: %w", err)
		}
		defer pub.Close()
		d.publisher = pub
		d.mqttStatus = pub
		d.buffered = pub.Buffered
		mqttCommands = pub.Commands()
	}

	httpCommands := make(chan web.Submission)
	if cfg.HTTPAddr != "" {
		d.hub = web.NewHub(log)
		srv := web.New(cfg.HTTPAddr, d.tracker,
			web.WithLogger(log),
			web.WithHub(d.hub),
			web.WithMetrics(m.Handler()),
			web.WithCommands(httpCommands),
		)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server error", zap.Error(err))
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
		log.Info("http status server listening", zap.String("addr", cfg.HTTPAddr))
	}

	d.refresh()
	d.publishStatus("STARTUP", "", true)

	log.Info("started",
		zap.Duration("tick", cfg.Tick),
		zap.Duration("debounce", cfg.Engine.Debounce),
		zap.Int("channels", len(cfg.Channels)),
		zap.String("driver", cfg.IO.Driver),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("broker", cfg.MQTT.Broker),
		zap.Duration("heartbeat", cfg.Heartbeat))

	ticker := time.NewTicker(cfg.Tick)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return d.loop(ticker.C, mqttCommands, httpCommands, sigCh)
}

// daemon owns the engine on the run loop goroutine and fans its events out.
type daemon struct {
	engine     *engine.Engine
	publisher  mqtt.Publisher
	mqttStatus mqtt.ConnectionStatus // nil without a broker
	buffered   func() int            // nil without a broker
	tracker    *status.Tracker
	hub        *web.Hub         // nil without HTTP
	metrics    *metrics.Manager // nil in tests that don't care
	log        *zap.Logger
	heartbeat  time.Duration
	now        func() time.Time
}

func (d *daemon) loop(tick <-chan time.Time, mqttCommands <-chan mqtt.CommandMessage, httpCommands <-chan web.Submission, sig <-chan os.Signal) error {
	lastHeartbeat := d.now()

	for {
		select {
		case s := <-sig:
			d.log.Info("shutting down", zap.Stringer("signal", s))
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			d.emit(d.engine.Flush())
			d.refresh()
			d.publishStatus("SHUTDOWN", signalName, true)
			return nil

		case msg := <-mqttCommands:
			if msg.Err != nil {
				d.reject(msg)
				continue
			}
			d.command(web.Submission{Command: msg.Command, Source: "mqtt"})

		case sub := <-httpCommands:
			d.command(sub)

		case <-tick:
			d.emit(d.engine.Tick())
			d.refresh()

			t := d.now()
			if d.heartbeat > 0 && t.Sub(lastHeartbeat) >= d.heartbeat {
				lastHeartbeat = t
				if net := readNetworkInfo(); net != nil {
					d.tracker.SetNetwork(net)
				}
				d.publishStatus("HEARTBEAT", "", false)
			}
		}
	}
}

func (d *daemon) command(sub web.Submission) {
	if d.metrics != nil {
		d.metrics.CommandReceived(true)
	}
	events, err := d.engine.Handle(sub.Command)
	d.emit(events)
	d.refresh()

	if err != nil && !errors.Is(err, engine.ErrRejected) {
		d.log.Error("command failed", zap.String("source", sub.Source),
			zap.String("command", string(sub.Command.Kind)), zap.Error(err))
	}
	result := mqtt.CommandResult{
		Timestamp: d.now(),
		Command:   sub.Command,
		Accepted:  err == nil,
		Err:       err,
		Mode:      d.engine.Mode(),
	}
	if perr := d.publisher.PublishResult(result); perr != nil {
		d.log.Warn("publish command result", zap.Error(perr))
	}
	if sub.Reply != nil {
		sub.Reply <- err
	}
}

// reject answers a command payload that could not be parsed.
func (d *daemon) reject(msg mqtt.CommandMessage) {
	if d.metrics != nil {
		d.metrics.CommandReceived(false)
	}
	d.log.Warn("malformed command", zap.ByteString("payload", msg.Raw), zap.Error(msg.Err))
	result := mqtt.CommandResult{
		Timestamp: d.now(),
		Command:   msg.Command,
		Err:       msg.Err,
		Mode:      d.engine.Mode(),
	}
	if err := d.publisher.PublishResult(result); err != nil {
		d.log.Warn("publish command result", zap.Error(err))
	}
}

func (d *daemon) emit(events []engine.Event) {
	if len(events) == 0 {
		return
	}
	d.tracker.Record(events)
	for _, ev := range events {
		d.log.Info("event",
			zap.String("type", string(ev.Type)),
			zap.Int("channel", ev.Channel),
			zap.String("location", ev.Location),
			zap.String("mode", ev.Mode),
			zap.Bool("submerged", ev.Submerged),
			zap.Int("strength", ev.Strength))
		if err := d.publisher.Publish(ev); err != nil {
			// Don't crash on publish failure
			d.log.Warn("publish error", zap.Error(err))
		}
		if d.hub != nil {
			if payload, err := mqtt.FormatPayload(ev); err == nil {
				d.hub.Broadcast(payload)
			}
		}
	}
}

// refresh copies engine and connection state into the tracker.
func (d *daemon) refresh() {
	var sess *engine.SessionStatus
	if s, ok := d.engine.Session(); ok {
		sess = &s
	}
	d.tracker.Update(d.engine.Mode(), d.engine.Observations(), sess)

	if d.mqttStatus != nil {
		connected := d.mqttStatus.IsConnected()
		d.tracker.SetMQTTConnected(connected)
		if d.metrics != nil {
			d.metrics.SetMQTTConnected(connected)
		}
	}
	if d.buffered != nil {
		n := d.buffered()
		d.tracker.SetMQTTBuffered(n)
		if d.metrics != nil {
			d.metrics.SetBuffered(n)
		}
	}
}

func (d *daemon) publishStatus(event, reason string, retained bool) {
	snap := d.tracker.Snapshot()
	se := mqtt.SystemEvent{
		Timestamp:  d.now(),
		Event:      event,
		Reason:     reason,
		Retained:   retained,
		RawPayload: status.FormatStatusEvent(snap, event, reason),
	}
	if err := d.publisher.PublishSystem(se); err != nil {
		d.log.Warn("failed to publish system event", zap.String("event", event), zap.Error(err))
		return
	}
	d.log.Info("published system event", zap.String("event", event))
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}

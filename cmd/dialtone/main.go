// Command dialtone turns a rotary phone wired to GPIO into a SIP endpoint.
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

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"github.com/sweeney/dialtone/internal/calllog"
	"github.com/sweeney/dialtone/internal/config"
	"github.com/sweeney/dialtone/internal/dial"
	"github.com/sweeney/dialtone/internal/gpio"
	"github.com/sweeney/dialtone/internal/hook"
	"github.com/sweeney/dialtone/internal/logging"
	"github.com/sweeney/dialtone/internal/missed"
	"github.com/sweeney/dialtone/internal/mqtt"
	"github.com/sweeney/dialtone/internal/phone"
	"github.com/sweeney/dialtone/internal/sipua"
	"github.com/sweeney/dialtone/internal/status"
	"github.com/sweeney/dialtone/internal/web"
)

func main() {
	if err := newCommand().Run(context.Background(), os.Args); err != nil {
		logrus.Fatalf("fatal: %v", err)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:  "dialtone",
		Usage: "rotary phone SIP endpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to the YAML configuration file",
				Value:   config.DefaultPath,
				Sources: cli.EnvVars("DIALTONE_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "override log.level from the configuration",
				Sources: cli.EnvVars("DIALTONE_LOG_LEVEL"),
			},
		},
		Action: runDaemon,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "run the phone daemon (default)",
				Action: runDaemon,
			},
			{
				Name:   "print-state",
				Usage:  "print the hook and dial pin levels and exit",
				Action: printState,
			},
			{
				Name:   "check-config",
				Usage:  "validate the configuration file and exit",
				Action: checkConfig,
			},
			{
				Name:  "soundcards",
				Usage: "list ALSA sound devices and exit",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "pcm",
						Usage: "ALSA PCM listing to read",
						Value: sipua.DefaultPCMPath,
					},
				},
				Action: soundcards,
			},
		},
	}
}

// loadConfig reads the configuration named by the command flags and applies
// any overrides.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	if lvl := cmd.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	return cfg, nil
}

func runDaemon(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := logging.Setup(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Syslog: cfg.Log.Syslog,
	})
	if err != nil {
		return err
	}
	return run(ctx, cfg, log)
}

func checkConfig(_ context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.Root().Writer, "config ok: %d identities, dialling %s\n", len(cfg.SIP.Identities), cfg.Dial.Domain)
	return nil
}

func soundcards(_ context.Context, cmd *cli.Command) error {
	devices, err := sipua.ListSoundDevices(cmd.String("pcm"))
	if err != nil {
		return err
	}
	w := cmd.Root().Writer
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\tplayback=%t capture=%t\n", d.Name(), d.ID, d.Playback, d.Capture)
	}
	return nil
}

func printState(_ context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	chip, err := gpio.Open(cfg.GPIO.Chip, gpio.Bias(cfg.GPIO.Bias))
	if err != nil {
		return err
	}
	defer chip.Close()

	line, err := pinLine(chip, cfg.GPIO)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.Root().Writer, line)
	return nil
}

// pinLine formats the current hook, dial and pulse levels.
func pinLine(levels gpio.LevelReader, g config.GPIO) (string, error) {
	hookHigh, err := levels.Level(g.HookPin)
	if err != nil {
		return "", fmt.Errorf("read hook pin: %w", err)
	}
	dialHigh, err := levels.Level(g.DialPin)
	if err != nil {
		return "", fmt.Errorf("read dial pin: %w", err)
	}
	pulseHigh, err := levels.Level(g.PulsePin)
	if err != nil {
		return "", fmt.Errorf("read pulse pin: %w", err)
	}
	state := hook.StateOnHook
	if hookHigh == g.OffLevelHigh() {
		state = hook.StateOffHook
	}
	return fmt.Sprintf("HOOK: %s, DIAL: %s, PULSE: %s", state, levelString(dialHigh), levelString(pulseHigh)), nil
}

// soundCaps reports which sound devices the engine can open.
type soundCaps interface {
	CanCapture(device string) bool
	CanPlayback(device string) bool
}

// checkSoundDevices fails unless every configured device is usable.
func checkSoundDevices(caps soundCaps, s config.Sound) error {
	var errs []error
	if !caps.CanCapture(s.Capture) {
		errs = append(errs, fmt.Errorf("capture device %q not available", s.Capture))
	}
	if !caps.CanPlayback(s.Playback) {
		errs = append(errs, fmt.Errorf("playback device %q not available", s.Playback))
	}
	if !caps.CanPlayback(s.Ring) {
		errs = append(errs, fmt.Errorf("ring device %q not available", s.Ring))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("sound devices: %w", err)
	}
	return nil
}

func levelString(high bool) string {
	if high {
		return "HIGH"
	}
	return "LOW"
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	chip, err := gpio.Open(cfg.GPIO.Chip, gpio.Bias(cfg.GPIO.Bias))
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}
	defer chip.Close()

	decoder := dial.New(chip, chip, dial.Config{
		HookPin:       cfg.GPIO.HookPin,
		BoundaryPin:   cfg.GPIO.DialPin,
		PulsePin:      cfg.GPIO.PulsePin,
		HookOffLevel:  cfg.GPIO.OffLevelHigh(),
		Domain:        cfg.Dial.Domain,
		MaxLength:     cfg.Dial.MaxLength,
		BoundaryGrace: cfg.GPIO.DialGrace,
		PulseGrace:    cfg.GPIO.PulseGrace,
	}, dial.WithLogger(log.WithField("component", "dial")))
	if err := decoder.Start(); err != nil {
		return fmt.Errorf("start dial decoder: %w", err)
	}
	defer decoder.Stop()

	publicIP, err := sipua.PublicAddress(ctx, sipua.NATConfig{
		Policy:     cfg.SIP.NAT.Policy,
		LookupURL:  cfg.SIP.NAT.LookupURL,
		Retry:      cfg.SIP.NAT.Retry,
		STUNServer: cfg.SIP.NAT.STUNServer,
	}, log)
	if err != nil {
		return fmt.Errorf("discover public address: %w", err)
	}

	ua, err := sipua.New(sipua.Config{
		Listen:    cfg.SIP.Listen,
		UserAgent: cfg.SIP.UserAgent,
		SRTP:      cfg.SIP.SRTP,
		PublicIP:  publicIP,
		Logger:    log.WithField("component", "sip"),
	})
	if err != nil {
		return fmt.Errorf("init sip: %w", err)
	}
	defer ua.Close()

	if err := checkSoundDevices(ua, cfg.Sound); err != nil {
		return err
	}

	var publisher interface {
		mqtt.Publisher
		mqtt.ConnectionStatus
	} = mqtt.Nop{}
	if cfg.MQTT.Broker != "" {
		publisher = mqtt.NewRealPublisher(mqtt.Options{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Logger:   log.WithField("component", "mqtt"),
		})
	}
	defer publisher.Close()

	sinks, err := callLogSinks(ctx, cfg.CallLog, publisher, log)
	if err != nil {
		return err
	}

	opts := []phone.Option{
		phone.WithLogger(log.WithField("component", "phone")),
		phone.WithCallLog(sinks),
	}
	if cfg.MissedCalls.Assets != "" {
		opts = append(opts, phone.WithMissedCalls(missed.NewWAVGenerator(cfg.MissedCalls.Assets, cfg.MissedCalls.Output)))
	}
	manager := phone.NewManager(ua, phone.Config{
		UnregisterTimeout: cfg.SIP.UnregisterTimeout,
		PollInterval:      cfg.Dial.Poll,
		SASFile:           cfg.SIP.SASFile,
	}, opts...)
	if err := manager.LoadProxies(ctx, cfg.SIP.Identities); err != nil {
		return fmt.Errorf("load identities: %w", err)
	}

	// Status tracker is ready before STARTUP so the snapshot is complete.
	tracker := status.NewTracker(time.Now(), status.Config{
		PollMs:        cfg.Dial.Poll.Milliseconds(),
		DialTimeoutMs: cfg.Dial.Timeout.Milliseconds(),
		HeartbeatMs:   cfg.MQTT.Heartbeat.Milliseconds(),
		Broker:        cfg.MQTT.Broker,
		HTTPPort:      cfg.HTTP.Addr,
		Domain:        cfg.Dial.Domain,
	})
	network := &status.NetworkInfo{
		Type: "udp",
		IP:   ua.Advertised().String(),
		NAT:  cfg.SIP.NAT.Policy,
	}
	if publicIP != nil {
		network.PublicIP = publicIP.String()
	}
	tracker.SetNetwork(network)

	d := newDaemon(log, manager, decoder, publisher, publisher, tracker, cfg, time.Now())

	snap := tracker.Snapshot()
	startup := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := publisher.PublishSystem(startup); err != nil {
		log.WithError(err).Warn("failed to publish startup event")
	} else {
		log.Info("published startup event")
	}

	if cfg.HTTP.Addr != "" {
		srv := web.New(cfg.HTTP.Addr, tracker)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("http server error")
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Infof("http status server listening on %s", cfg.HTTP.Addr)
	}

	log.Infof("started: poll=%v dial_timeout=%v identities=%d broker=%q",
		cfg.Dial.Poll, cfg.Dial.Timeout, len(cfg.SIP.Identities), cfg.MQTT.Broker)

	ticker := time.NewTicker(cfg.Dial.Poll)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return runLoop(ctx, d, time.Now, ticker.C, sigCh)
}

// callLogSinks assembles every configured call log destination.
func callLogSinks(ctx context.Context, cfg config.CallLog, publisher mqtt.Publisher, log logrus.FieldLogger) (calllog.Multi, error) {
	var sinks calllog.Multi
	if cfg.File != "" {
		sinks = append(sinks, calllog.NewFileSink(cfg.File))
	}
	if cfg.Redis.Addr != "" {
		client, err := calllog.OpenRedis(ctx, cfg.Redis.Addr)
		if err != nil {
			return nil, fmt.Errorf("call log: %w", err)
		}
		sinks = append(sinks, calllog.NewRedisSink(client, cfg.Redis.Key))
		log.Infof("call log: redis %s key %s", cfg.Redis.Addr, cfg.Redis.Key)
	}
	if _, nop := publisher.(mqtt.Nop); !nop {
		sinks = append(sinks, mqtt.CallLogSink(publisher))
	}
	return sinks, nil
}

// daemon is everything the control loop drives.
type daemon struct {
	log        logrus.FieldLogger
	calls      *phone.Manager
	ctrl       *phone.Controller
	det        *hook.Detector
	publisher  mqtt.Publisher
	mqttStatus mqtt.ConnectionStatus
	tracker    *status.Tracker
	heartbeat  time.Duration
}

func newDaemon(log logrus.FieldLogger, calls *phone.Manager, dec phone.Decoder, publisher mqtt.Publisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, cfg *config.Config, start time.Time) *daemon {
	d := &daemon{
		log:        log,
		calls:      calls,
		det:        hook.NewDetector(cfg.GPIO.HookGrace, start),
		publisher:  publisher,
		mqttStatus: mqttStatus,
		tracker:    tracker,
		heartbeat:  cfg.MQTT.Heartbeat,
	}
	d.ctrl = phone.NewController(calls, dec, d.det, cfg.Dial.Timeout,
		phone.WithControllerLogger(log),
		phone.OnHookEvent(func(ev hook.Event) {
			log.Infof("hook: %s", ev.Type)
			if err := publisher.PublishHook(ev); err != nil {
				log.WithError(err).Warn("hook publish error")
			}
		}),
	)
	return d
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return "UNKNOWN"
}

// runLoop drives the phone until a signal arrives. now, tick and sig are
// injected so tests can run it without hardware or real time.
func runLoop(ctx context.Context, d *daemon, now func() time.Time, tick <-chan time.Time, sig <-chan os.Signal) error {
	for {
		select {
		case s := <-sig:
			name := signalName(s)
			d.log.Infof("received %v, shutting down", s)
			d.calls.Shutdown(ctx)

			d.refresh(0)
			snap := d.tracker.Snapshot()
			event := mqtt.SystemEvent{
				Timestamp:  now(),
				Event:      "SHUTDOWN",
				Reason:     name,
				Retained:   true,
				RawPayload: status.FormatStatusEvent(snap, "SHUTDOWN", name),
			}
			if err := d.publisher.PublishSystem(event); err != nil {
				d.log.WithError(err).Warn("failed to publish shutdown event")
			} else {
				d.log.Info("published shutdown event")
			}
			return nil

		case <-tick:
			t := now()
			d.calls.Update(ctx)
			if err := d.ctrl.Tick(ctx, t); err != nil {
				d.log.WithError(err).Warn("control tick")
			}
			d.refresh(d.ctrl.PendingDigits())

			if hb := d.det.CheckHeartbeat(t, d.heartbeat); hb != nil {
				d.log.Infof("heartbeat: uptime=%v picked_up=%d hung_up=%d",
					hb.Uptime, hb.Counts.PickedUp, hb.Counts.HungUp)
				event := mqtt.SystemEvent{
					Timestamp:  hb.Timestamp,
					Event:      "HEARTBEAT",
					RawPayload: status.FormatStatusEvent(d.tracker.Snapshot(), "HEARTBEAT", ""),
				}
				if err := d.publisher.PublishSystem(event); err != nil {
					d.log.WithError(err).Warn("heartbeat publish error")
				}
			}
		}
	}
}

// refresh copies the current phone state into the status tracker.
func (d *daemon) refresh(pendingDigits int) {
	d.tracker.UpdateHook(d.det.CurrentState(), d.det.IsBaselined(), d.det.Counts())
	d.tracker.UpdateCall(status.Call{
		State:    string(d.calls.State()),
		Peer:     d.calls.Peer(),
		Verified: d.calls.Verified(),
	}, pendingDigits)

	regs := d.calls.Registrations()
	out := make([]status.Registration, len(regs))
	for i, r := range regs {
		out[i] = status.Registration{Identity: r.Identity.AOR(), State: r.State.String()}
	}
	d.tracker.SetRegistrations(out)

	if d.mqttStatus != nil {
		d.tracker.SetMQTTConnected(d.mqttStatus.IsConnected())
	}
}

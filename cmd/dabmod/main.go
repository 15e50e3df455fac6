// Command dabmod is the modulator baseband core: it reads a stream of
// fixed-size complex-baseband frames from stdin (or a file), drives them
// through GainControl -> MemlessPoly -> SdrSink, and serves telemetry
// over HTTP while the feedback server serves TCP DPD-estimator clients
// alongside it. The remote-control registry is not exposed over HTTP.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/opendigitalradio/dabmod-core/internal/dabtime"
	"github.com/opendigitalradio/dabmod-core/internal/discovery"
	"github.com/opendigitalradio/dabmod-core/internal/gaincontrol"
	"github.com/opendigitalradio/dabmod-core/internal/logging"
	"github.com/opendigitalradio/dabmod-core/internal/pipeline"
	"github.com/opendigitalradio/dabmod-core/internal/radiofrontend"
	"github.com/opendigitalradio/dabmod-core/internal/remotecontrol"
	"github.com/opendigitalradio/dabmod-core/internal/sdrsink"
	"github.com/opendigitalradio/dabmod-core/internal/telemetry"
)

func main() {
	const configPath = "dabmod.json"

	persistentCfg, err := loadOrCreateConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	cfg, err := parseConfig(os.Args[1:], os.LookupEnv, persistentCfg)
	if err != nil {
		log.Fatalf("parse config: %v", err)
	}
	if err := saveConfig(configPath, persistentFromCLI(cfg)); err != nil {
		log.Fatalf("save config: %v", err)
	}

	logger := logging.Default()
	if lvl, err := logging.ParseLevel(cfg.logLevel); err == nil {
		if fmt0, ferr := logging.ParseFormat(cfg.logFormat); ferr == nil {
			logging.SetDefault(logging.New(lvl, fmt0, os.Stderr))
			logger = logging.Default()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	reg := remotecontrol.NewRegistry()

	hub := telemetry.NewHub(cfg.historyLimit)
	if cfg.webAddr != "" {
		go telemetry.NewWebServer(cfg.webAddr, hub, logger).Start(ctx)
		log.Printf("web interface: http://localhost%s", cfg.webAddr)
	} else {
		stdout := telemetry.NewStdoutReporter(logger)
		samples, unsubscribe := hub.Subscribe()
		go func() {
			defer unsubscribe()
			for {
				select {
				case <-ctx.Done():
					return
				case s, ok := <-samples:
					if !ok {
						return
					}
					stdout.Report(s)
				}
			}
		}()
	}

	sdrURI := cfg.sdrURI
	if sdrURI == "auto" || sdrURI == "" {
		hosts, err := discovery.FindTransmitHosts(5 * time.Second)
		if err != nil || len(hosts) == 0 {
			log.Fatalf("auto-discover transmit host: %v", err)
		}
		addr, err := hosts[0].Addr()
		if err != nil {
			log.Fatalf("discovered host has no address: %v", err)
		}
		sdrURI = addr
		log.Printf("discovered transmit host %s at %s", hosts[0].Instance, sdrURI)
	}

	dev, err := selectBackend(ctx, cfg, sdrURI, logger)
	if err != nil {
		log.Fatalf("select backend: %v", err)
	}
	defer dev.Close()

	mode, err := parseMode(cfg.dabMode)
	if err != nil {
		log.Fatalf("parse dab-mode: %v", err)
	}

	pcfg := pipeline.Config{
		GainControl: gaincontrol.Config{
			Mode:        mustGainMode(cfg.gainMode),
			DigitalGain: float32(cfg.digitalGain),
			Normalise:   float32(cfg.normalise),
			VarVariance: float32(cfg.varVariance),
		},
		CoefsFile:  cfg.coefsFile,
		DPDThreads: cfg.dpdThreads,
		SdrSink: sdrsink.Config{
			SampleRate:            cfg.sampleRate,
			Frequency:             cfg.frequency,
			LOOffset:              cfg.loOffset,
			TxGain:                cfg.txGain,
			RxGain:                cfg.rxGain,
			MasterClockRate:       cfg.masterClockRate,
			RefclkSrc:             cfg.refclkSrc,
			PPSSrc:                cfg.ppsSrc,
			MuteNoTimestamps:      cfg.muteNoTimestamps,
			StaticDelayUs:         cfg.staticDelayUs,
			RequireGPSLock:        cfg.requireGPSLock,
			InitialGPSFixWait:     cfg.initialGPSFixWait,
			MaxGPSHoldoverS:       cfg.maxGPSHoldoverS,
			GPSFixCheckIntervalS:  cfg.gpsFixCheckIntervalS,
			RefclkLossBehaviour:   mustRefclkLoss(cfg.refclkLossBehaviour),
			Mode:                  mode,
			TimestampAbortFutureS: cfg.timestampAbortFutureS,
			DPDFeedbackPort:       cfg.dpdFeedbackPort,
		},
		FrameLength: cfg.frameLength,
	}

	p, err := pipeline.New(ctx, pcfg, dev, reg, hub, logger)
	if err != nil {
		log.Fatalf("init pipeline: %v", err)
	}
	defer p.Stop()

	input := os.Stdin
	if cfg.inputFile != "" {
		f, err := os.Open(cfg.inputFile)
		if err != nil {
			log.Fatalf("open input file: %v", err)
		}
		defer f.Close()
		input = f
	}

	log.Printf("starting dabmod pipeline (Ctrl+C to stop)...")
	if err := p.Run(ctx, input, dev); err != nil && err != context.Canceled {
		log.Fatalf("run pipeline: %v", err)
	}
}

func selectBackend(ctx context.Context, cfg cliConfig, addr string, logger logging.Logger) (radiofrontend.Device, error) {
	if cfg.sdrBackend == "mock" {
		return radiofrontend.NewMock(), nil
	}
	return radiofrontend.NewIOClientDevice(ctx, addr, radiofrontend.Config{
		SampleRate:        cfg.sampleRate,
		Frequency:         cfg.frequency,
		LOOffset:          cfg.loOffset,
		TxGain:            cfg.txGain,
		RxGain:            cfg.rxGain,
		MasterClockRate:   cfg.masterClockRate,
		RefclkSrc:         cfg.refclkSrc,
		PPSSrc:            cfg.ppsSrc,
		RequireGPSLock:    cfg.requireGPSLock,
		InitialGPSFixWait: cfg.initialGPSFixWait,
	}, logger)
}

func mustGainMode(s string) gaincontrol.Mode {
	m, err := gaincontrol.ParseMode(s)
	if err != nil {
		return gaincontrol.ModeFix
	}
	return m
}

func mustRefclkLoss(s string) sdrsink.RefclkLossBehaviour {
	if s == "crash" {
		return sdrsink.RefclkLossCrash
	}
	return sdrsink.RefclkLossWarn
}

func parseMode(s string) (dabtime.Mode, error) {
	switch s {
	case "1", "I":
		return dabtime.ModeI, nil
	case "2", "II":
		return dabtime.ModeII, nil
	case "3", "III":
		return dabtime.ModeIII, nil
	case "4", "IV":
		return dabtime.ModeIV, nil
	default:
		return 0, fmt.Errorf("unknown DAB mode %q", s)
	}
}

type cliConfig struct {
	sampleRate      float64
	frequency       float64
	loOffset        float64
	txGain          float64
	rxGain          float64
	masterClockRate float64
	refclkSrc       string
	ppsSrc          string
	requireGPSLock  bool

	initialGPSFixWait     float64
	maxGPSHoldoverS       float64
	gpsFixCheckIntervalS  float64
	refclkLossBehaviour   string
	timestampAbortFutureS float64
	staticDelayUs         int64
	muteNoTimestamps      bool
	dabMode               string

	gainMode    string
	digitalGain float64
	normalise   float64
	varVariance float64

	coefsFile  string
	dpdThreads int

	dpdFeedbackPort int

	sdrBackend string
	sdrURI     string

	frameLength  int
	inputFile    string
	historyLimit int
	webAddr      string
	logLevel     string
	logFormat    string
}

type persistentConfig struct {
	SampleRate      float64 `json:"sample_rate"`
	Frequency       float64 `json:"frequency"`
	LOOffset        float64 `json:"lo_offset"`
	TxGain          float64 `json:"tx_gain"`
	RxGain          float64 `json:"rx_gain"`
	MasterClockRate float64 `json:"master_clock_rate"`
	RefclkSrc       string  `json:"refclk_src"`
	PPSSrc          string  `json:"pps_src"`
	RequireGPSLock  bool    `json:"require_gps_lock"`

	InitialGPSFixWait     float64 `json:"initial_gps_fix_wait"`
	MaxGPSHoldoverS       float64 `json:"max_gps_holdover_s"`
	GPSFixCheckIntervalS  float64 `json:"gps_fix_check_interval_s"`
	RefclkLossBehaviour   string  `json:"refclk_loss_behaviour"`
	TimestampAbortFutureS float64 `json:"timestamp_abort_future_s"`
	StaticDelayUs         int64   `json:"static_delay_us"`
	MuteNoTimestamps      bool    `json:"mute_no_timestamps"`
	DABMode               string  `json:"dab_mode"`

	GainMode    string  `json:"gain_mode"`
	DigitalGain float64 `json:"digital_gain"`
	Normalise   float64 `json:"normalise"`
	VarVariance float64 `json:"var_variance"`

	CoefsFile  string `json:"coefs_file"`
	DPDThreads int    `json:"dpd_threads"`

	DPDFeedbackPort int `json:"dpd_feedback_port"`

	SDRBackend string `json:"sdr_backend"`
	SDRURI     string `json:"sdr_uri"`

	FrameLength  int    `json:"frame_length"`
	InputFile    string `json:"input_file"`
	HistoryLimit int    `json:"history_limit"`
	WebAddr      string `json:"web_addr"`
	LogLevel     string `json:"log_level"`
	LogFormat    string `json:"log_format"`
}

func parseConfig(args []string, lookup func(string) (string, bool), defaults persistentConfig) (cliConfig, error) {
	cfg := cliConfig{}
	fs := flag.NewFlagSet("dabmod", flag.ContinueOnError)

	fs.Float64Var(&cfg.sampleRate, "sample-rate", envFloat(lookup, "DABMOD_SAMPLE_RATE", defaults.SampleRate), "Sample rate in Hz")
	fs.Float64Var(&cfg.frequency, "frequency", envFloat(lookup, "DABMOD_FREQUENCY", defaults.Frequency), "Centre frequency in Hz")
	fs.Float64Var(&cfg.loOffset, "lo-offset", envFloat(lookup, "DABMOD_LO_OFFSET", defaults.LOOffset), "LO offset in Hz")
	fs.Float64Var(&cfg.txGain, "tx-gain", envFloat(lookup, "DABMOD_TX_GAIN", defaults.TxGain), "TX gain in dB")
	fs.Float64Var(&cfg.rxGain, "rx-gain", envFloat(lookup, "DABMOD_RX_GAIN", defaults.RxGain), "RX gain in dB")
	fs.Float64Var(&cfg.masterClockRate, "master-clock-rate", envFloat(lookup, "DABMOD_MASTER_CLOCK_RATE", defaults.MasterClockRate), "Master clock rate in Hz")
	fs.StringVar(&cfg.refclkSrc, "refclk-src", envString(lookup, "DABMOD_REFCLK_SRC", defaults.RefclkSrc), "Reference clock source (internal|external|gpsdo|gpsdo-ettus)")
	fs.StringVar(&cfg.ppsSrc, "pps-src", envString(lookup, "DABMOD_PPS_SRC", defaults.PPSSrc), "PPS source (none|external|gpsdo)")
	fs.BoolVar(&cfg.requireGPSLock, "require-gps-lock", envBool(lookup, "DABMOD_REQUIRE_GPS_LOCK", defaults.RequireGPSLock), "Fail bring-up if GPS does not lock within initial-gps-fix-wait")

	fs.Float64Var(&cfg.initialGPSFixWait, "initial-gps-fix-wait", envFloat(lookup, "DABMOD_INITIAL_GPS_FIX_WAIT", defaults.InitialGPSFixWait), "Seconds to wait for the initial GPS fix")
	fs.Float64Var(&cfg.maxGPSHoldoverS, "max-gps-holdover-s", envFloat(lookup, "DABMOD_MAX_GPS_HOLDOVER_S", defaults.MaxGPSHoldoverS), "Seconds of lost GPS lock tolerated before fatal")
	fs.Float64Var(&cfg.gpsFixCheckIntervalS, "gps-fix-check-interval-s", envFloat(lookup, "DABMOD_GPS_FIX_CHECK_INTERVAL_S", defaults.GPSFixCheckIntervalS), "GPS lock poll interval in seconds")
	fs.StringVar(&cfg.refclkLossBehaviour, "refclk-loss-behaviour", envString(lookup, "DABMOD_REFCLK_LOSS_BEHAVIOUR", defaults.RefclkLossBehaviour), "warn|crash on reference clock loss after bring-up")
	fs.Float64Var(&cfg.timestampAbortFutureS, "timestamp-abort-future-s", envFloat(lookup, "DABMOD_TIMESTAMP_ABORT_FUTURE_S", defaults.TimestampAbortFutureS), "Fatal threshold for a timestamp ahead of the SDR clock")
	fs.Int64Var(&cfg.staticDelayUs, "static-delay-us", envInt64(lookup, "DABMOD_STATIC_DELAY_US", defaults.StaticDelayUs), "Static transmit delay in microseconds")
	fs.BoolVar(&cfg.muteNoTimestamps, "mute-no-timestamps", envBool(lookup, "DABMOD_MUTE_NO_TIMESTAMPS", defaults.MuteNoTimestamps), "Drop untimestamped frames instead of transmitting them free-running")
	fs.StringVar(&cfg.dabMode, "dab-mode", envString(lookup, "DABMOD_DAB_MODE", orDefault(defaults.DABMode, "1")), "DAB transmission mode (1-4)")

	fs.StringVar(&cfg.gainMode, "gain-mode", envString(lookup, "DABMOD_GAIN_MODE", orDefault(defaults.GainMode, "fix")), "GainControl mode (fix|max|var)")
	fs.Float64Var(&cfg.digitalGain, "digital-gain", envFloat(lookup, "DABMOD_DIGITAL_GAIN", orDefaultF(defaults.DigitalGain, 1)), "Digital gain applied after normalisation")
	fs.Float64Var(&cfg.normalise, "normalise", envFloat(lookup, "DABMOD_NORMALISE", orDefaultF(defaults.Normalise, 1)), "Fixed normalisation divisor for gain-mode=fix")
	fs.Float64Var(&cfg.varVariance, "var-variance", envFloat(lookup, "DABMOD_VAR_VARIANCE", orDefaultF(defaults.VarVariance, 1)), "Target variance for gain-mode=var")

	fs.StringVar(&cfg.coefsFile, "coefs-file", envString(lookup, "DABMOD_COEFS_FILE", defaults.CoefsFile), "Digital pre-distorter coefficient file")
	fs.IntVar(&cfg.dpdThreads, "dpd-threads", envInt(lookup, "DABMOD_DPD_THREADS", orDefaultI(defaults.DPDThreads, 2)), "MemlessPoly worker pool size")

	fs.IntVar(&cfg.dpdFeedbackPort, "dpd-feedback-port", envInt(lookup, "DABMOD_DPD_FEEDBACK_PORT", defaults.DPDFeedbackPort), "Feedback server TCP port (0 disables it)")

	fs.StringVar(&cfg.sdrBackend, "sdr-backend", envString(lookup, "DABMOD_SDR_BACKEND", orDefault(defaults.SDRBackend, "mock")), "SDR backend (mock|iiod)")
	fs.StringVar(&cfg.sdrURI, "sdr-uri", envString(lookup, "DABMOD_SDR_URI", defaults.SDRURI), "IIOD host:port, or auto to browse _iio._tcp")

	fs.IntVar(&cfg.frameLength, "frame-length", envInt(lookup, "DABMOD_FRAME_LENGTH", orDefaultI(defaults.FrameLength, 2048)), "Samples per input frame")
	fs.StringVar(&cfg.inputFile, "input-file", envString(lookup, "DABMOD_INPUT_FILE", defaults.InputFile), "Read baseband frames from this file instead of stdin")
	fs.IntVar(&cfg.historyLimit, "history-limit", envInt(lookup, "DABMOD_HISTORY_LIMIT", orDefaultI(defaults.HistoryLimit, 500)), "Telemetry history length")
	fs.StringVar(&cfg.webAddr, "web-addr", envString(lookup, "DABMOD_WEB_ADDR", defaults.WebAddr), "Telemetry listen address (empty disables it)")
	fs.StringVar(&cfg.logLevel, "log-level", envString(lookup, "DABMOD_LOG_LEVEL", orDefault(defaults.LogLevel, "info")), "Log level (debug|info|warn|error)")
	fs.StringVar(&cfg.logFormat, "log-format", envString(lookup, "DABMOD_LOG_FORMAT", orDefault(defaults.LogFormat, "text")), "Log format (text|json)")

	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}
	return cfg, nil
}

func persistentFromCLI(cfg cliConfig) persistentConfig {
	return persistentConfig{
		SampleRate: cfg.sampleRate, Frequency: cfg.frequency, LOOffset: cfg.loOffset,
		TxGain: cfg.txGain, RxGain: cfg.rxGain, MasterClockRate: cfg.masterClockRate,
		RefclkSrc: cfg.refclkSrc, PPSSrc: cfg.ppsSrc, RequireGPSLock: cfg.requireGPSLock,
		InitialGPSFixWait: cfg.initialGPSFixWait, MaxGPSHoldoverS: cfg.maxGPSHoldoverS,
		GPSFixCheckIntervalS: cfg.gpsFixCheckIntervalS, RefclkLossBehaviour: cfg.refclkLossBehaviour,
		TimestampAbortFutureS: cfg.timestampAbortFutureS, StaticDelayUs: cfg.staticDelayUs,
		MuteNoTimestamps: cfg.muteNoTimestamps, DABMode: cfg.dabMode,
		GainMode: cfg.gainMode, DigitalGain: cfg.digitalGain, Normalise: cfg.normalise, VarVariance: cfg.varVariance,
		CoefsFile: cfg.coefsFile, DPDThreads: cfg.dpdThreads,
		DPDFeedbackPort: cfg.dpdFeedbackPort,
		SDRBackend:      cfg.sdrBackend, SDRURI: cfg.sdrURI,
		FrameLength: cfg.frameLength, InputFile: cfg.inputFile, HistoryLimit: cfg.historyLimit,
		WebAddr: cfg.webAddr, LogLevel: cfg.logLevel, LogFormat: cfg.logFormat,
	}
}

func loadOrCreateConfig(path string) (persistentConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := defaultPersistentConfig()
			if saveErr := saveConfig(path, cfg); saveErr != nil {
				return persistentConfig{}, saveErr
			}
			return cfg, nil
		}
		return persistentConfig{}, err
	}
	defer f.Close()

	var cfg persistentConfig
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return persistentConfig{}, err
	}
	return cfg, nil
}

func saveConfig(path string, cfg persistentConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func defaultPersistentConfig() persistentConfig {
	return persistentConfig{
		SampleRate: 2_048_000, Frequency: 225_648_000, LOOffset: 0,
		TxGain: 0, RxGain: 0, MasterClockRate: 0,
		RefclkSrc: "internal", PPSSrc: "none", RequireGPSLock: false,
		InitialGPSFixWait: 60, MaxGPSHoldoverS: 120, GPSFixCheckIntervalS: 10,
		RefclkLossBehaviour: "warn", TimestampAbortFutureS: 10, StaticDelayUs: 0,
		MuteNoTimestamps: false, DABMode: "1",
		GainMode: "fix", DigitalGain: 1, Normalise: 1, VarVariance: 1,
		CoefsFile: "", DPDThreads: 2,
		DPDFeedbackPort: 0,
		SDRBackend:      "mock", SDRURI: "",
		FrameLength: 2048, InputFile: "", HistoryLimit: 500,
		WebAddr: ":8080", LogLevel: "info", LogFormat: "text",
	}
}

func envFloat(lookup func(string) (string, bool), key string, def float64) float64 {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envInt(lookup func(string) (string, bool), key string, def int) int {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func envInt64(lookup func(string) (string, bool), key string, def int64) int64 {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(lookup func(string) (string, bool), key string, def bool) bool {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return def
}

func envString(lookup func(string) (string, bool), key, def string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return def
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefaultF(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func orDefaultI(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

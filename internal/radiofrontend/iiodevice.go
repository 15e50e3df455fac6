package radiofrontend

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/opendigitalradio/dabmod-core/internal/dabtime"
	"github.com/opendigitalradio/dabmod-core/internal/discovery"
	"github.com/opendigitalradio/dabmod-core/internal/ioclient"
	"github.com/opendigitalradio/dabmod-core/internal/logging"
	"github.com/opendigitalradio/dabmod-core/internal/sample"
)

// ioclientDevice is the default Device, driving a real or simulated
// vendor transmitter over the IIOD text protocol.
type ioclientDevice struct {
	mu     sync.Mutex
	client *ioclient.Client
	tx     *ioclient.StreamBuffer
	rx     *ioclient.StreamBuffer

	phy, txDev, rxDev string
	maxNumSamps       int

	events chan AsyncEvent
	logger logging.Logger

	sshFallback *SSHAttributeWriter
}

// NewIOClientDevice dials addr (or resolves "auto" via mDNS discovery),
// identifies the PHY/TX/RX devices, and runs the bring-up sequence.
// Dialing retries with exponential backoff (§7: transient link faults
// should not be treated as immediately fatal during start-up).
func NewIOClientDevice(ctx context.Context, addr string, cfg Config, logger logging.Logger) (Device, error) {
	if logger == nil {
		logger = logging.Default()
	}
	resolvedAddr, err := resolveAddr(addr)
	if err != nil {
		return nil, err
	}

	var client *ioclient.Client
	dial := func() error {
		c, err := ioclient.Dial(ctx, resolvedAddr)
		if err != nil {
			return err
		}
		client = c
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 10 * time.Second
	if err := backoff.Retry(dial, b); err != nil {
		return nil, fmt.Errorf("radiofrontend: dial %s: %w", resolvedAddr, err)
	}

	devices, err := client.ListDevices(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("radiofrontend: list devices: %w", err)
	}

	phy, tx, rx := identifyDevices(devices, cfg)
	if phy == "" || tx == "" {
		client.Close()
		return nil, fmt.Errorf("radiofrontend: could not identify phy/tx devices among %v", devices)
	}

	d := &ioclientDevice{
		client:      client,
		phy:         phy,
		txDev:       tx,
		rxDev:       rx,
		maxNumSamps: cfg.MaxNumSamps,
		events:      make(chan AsyncEvent, 64),
		logger:      logger.Named("radiofrontend"),
	}

	dlogger := d.logger
	Init(func(level, message string) {
		if level == "warn" {
			dlogger.Warn(message)
			return
		}
		dlogger.Debug(message)
	})

	if err := d.Configure(ctx, cfg); err != nil {
		client.Close()
		return nil, err
	}
	return d, nil
}

func resolveAddr(addr string) (string, error) {
	if addr != "auto" {
		return addr, nil
	}
	hosts, err := discovery.FindTransmitHosts(5 * time.Second)
	if err != nil {
		return "", fmt.Errorf("radiofrontend: auto-discovery: %w", err)
	}
	if len(hosts) == 0 {
		return "", fmt.Errorf("radiofrontend: auto-discovery found no transmit hosts")
	}
	return hosts[0].Addr()
}

// identifyDevices picks PHY/TX/RX device names, preferring explicit
// config overrides and otherwise matching by substring, the same
// heuristic the teacher uses for AD9361 identification generalized to
// an arbitrary vendor driver naming scheme.
func identifyDevices(names []string, cfg Config) (phy, tx, rx string) {
	phy, tx, rx = cfg.PhyDevice, cfg.TxDevice, cfg.RxDevice
	for _, name := range names {
		lower := strings.ToLower(name)
		switch {
		case phy == "" && strings.Contains(lower, "phy"):
			phy = name
		case tx == "" && strings.Contains(lower, "tx"):
			tx = name
		case rx == "" && strings.Contains(lower, "rx"):
			rx = name
		}
	}
	if phy == "" && len(names) > 0 {
		phy = names[0]
	}
	if tx == "" {
		tx = phy
	}
	if rx == "" {
		rx = phy
	}
	return phy, tx, rx
}

func (d *ioclientDevice) Configure(ctx context.Context, cfg Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.writeAttr(ctx, d.phy, "", "clock_source", cfg.RefclkSrc); err != nil {
		return fmt.Errorf("radiofrontend: set clock source: %w", err)
	}
	if cfg.PPSSrc != "" && cfg.PPSSrc != "none" {
		if err := d.writeAttr(ctx, d.phy, "", "time_source", cfg.PPSSrc); err != nil {
			return fmt.Errorf("radiofrontend: set time source: %w", err)
		}
	}

	if err := d.setAndAssertRate(ctx, "tx_sampling_frequency", cfg.SampleRate); err != nil {
		return err
	}
	if err := d.setAndAssertRate(ctx, "rx_sampling_frequency", cfg.SampleRate); err != nil {
		return err
	}
	if cfg.MasterClockRate > 0 {
		if err := d.setAndAssertRate(ctx, "master_clock_rate", cfg.MasterClockRate); err != nil {
			return err
		}
	}

	if err := d.tune(ctx, "tx", cfg.Frequency, cfg.LOOffset); err != nil {
		return err
	}
	if err := d.tune(ctx, "rx", cfg.Frequency, cfg.LOOffset); err != nil {
		return err
	}

	if err := d.writeAttr(ctx, d.phy, "voltage0", "hardwaregain", formatGain(cfg.TxGain)); err != nil {
		return fmt.Errorf("radiofrontend: set tx gain: %w", err)
	}
	if err := d.writeAttr(ctx, d.phy, "voltage1", "hardwaregain", formatGain(cfg.RxGain)); err != nil {
		return fmt.Errorf("radiofrontend: set rx gain: %w", err)
	}
	if err := d.writeAttr(ctx, d.phy, "voltage1", "antenna", "RX2"); err != nil {
		// Some drivers don't expose a settable antenna attribute;
		// this is not fatal to bring-up.
		dispatchMessage("", "could not set RX antenna: "+err.Error())
	}

	tx, err := d.client.OpenStream(ctx, d.txDev, cfg.MaxNumSamps)
	if err != nil {
		return fmt.Errorf("radiofrontend: open TX stream: %w", err)
	}
	d.tx = tx

	if d.rxDev != "" {
		rx, err := d.client.OpenStream(ctx, d.rxDev, cfg.MaxNumSamps)
		if err != nil {
			dispatchMessage("", "could not open RX feedback stream: "+err.Error())
		} else {
			d.rx = rx
		}
	}

	return nil
}

func (d *ioclientDevice) setAndAssertRate(ctx context.Context, attr string, wantHz float64) error {
	if wantHz <= 0 {
		return nil
	}
	if err := d.writeAttr(ctx, d.phy, "", attr, strconv.FormatFloat(wantHz, 'f', -1, 64)); err != nil {
		return fmt.Errorf("radiofrontend: set %s: %w", attr, err)
	}
	readbackStr, err := d.client.ReadAttr(ctx, d.phy, "", attr)
	if err != nil {
		return fmt.Errorf("radiofrontend: read back %s: %w", attr, err)
	}
	readback, err := strconv.ParseFloat(strings.TrimSpace(readbackStr), 64)
	if err != nil {
		return fmt.Errorf("radiofrontend: parse %s readback %q: %w", attr, readbackStr, err)
	}
	return assertWithinPPM(wantHz, readback, RateAssertionPPM)
}

func (d *ioclientDevice) tune(ctx context.Context, which string, freq, loOffset float64) error {
	channel := "altvoltage0"
	if which == "rx" {
		channel = "altvoltage1"
	}
	target := freq
	if loOffset != 0 {
		target = freq + loOffset
	}
	if err := d.writeAttr(ctx, d.phy, channel, "frequency", strconv.FormatFloat(target, 'f', -1, 64)); err != nil {
		if d.sshFallback != nil {
			return d.sshFallback.WriteAttribute(ctx, d.phy, channel, "frequency", strconv.FormatFloat(target, 'f', -1, 64))
		}
		return fmt.Errorf("radiofrontend: tune %s: %w", which, err)
	}
	return nil
}

func (d *ioclientDevice) writeAttr(ctx context.Context, dev, ch, attr, value string) error {
	if err := d.client.WriteAttr(ctx, dev, ch, attr, value); err != nil {
		if d.sshFallback != nil {
			return d.sshFallback.WriteAttribute(ctx, dev, ch, attr, value)
		}
		return err
	}
	return nil
}

func formatGain(db float64) string {
	return strconv.FormatFloat(db, 'f', 2, 64)
}

func (d *ioclientDevice) PollGPSLocked(ctx context.Context) (bool, bool, error) {
	v, err := d.client.ReadAttr(ctx, d.phy, "", "gps_locked")
	if err != nil {
		if strings.Contains(err.Error(), "not exported") || strings.Contains(err.Error(), "ERR") {
			return false, false, nil
		}
		return false, false, err
	}
	return strings.TrimSpace(v) == "1", true, nil
}

func (d *ioclientDevice) PollRefclkLocked(ctx context.Context) (bool, bool, error) {
	v, err := d.client.ReadAttr(ctx, d.phy, "", "refclk_locked")
	if err != nil {
		if strings.Contains(err.Error(), "not exported") || strings.Contains(err.Error(), "ERR") {
			return false, false, nil
		}
		return false, false, err
	}
	return strings.TrimSpace(v) == "1", true, nil
}

func (d *ioclientDevice) SetTimeUnknownPPS(ctx context.Context, seconds uint32) error {
	return d.writeAttr(ctx, d.phy, "", "time_unknown_pps", strconv.FormatUint(uint64(seconds), 10))
}

func (d *ioclientDevice) SetTimeNow(ctx context.Context) error {
	return d.writeAttr(ctx, d.phy, "", "time_now", strconv.FormatInt(time.Now().Unix(), 10))
}

func (d *ioclientDevice) Now(ctx context.Context) (dabtime.Timestamp, error) {
	v, err := d.client.ReadAttr(ctx, d.phy, "", "time_now")
	if err != nil {
		return dabtime.Invalid(), fmt.Errorf("radiofrontend: read time_now: %w", err)
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return dabtime.Invalid(), fmt.Errorf("radiofrontend: parse time_now %q: %w", v, err)
	}
	whole := uint32(secs)
	frac := secs - float64(whole)
	return dabtime.Timestamp{Sec: whole, PPS: uint32(frac * dabtime.TicksPerSecond), Valid: true}, nil
}

func (d *ioclientDevice) SendBurst(ctx context.Context, data sample.Buffer, ts dabtime.Timestamp, hasTime bool, endOfBurst bool) (int, error) {
	return d.sendFragment(ctx, data)
}

func (d *ioclientDevice) SendFreeRunning(ctx context.Context, data sample.Buffer) (int, error) {
	return d.sendFragment(ctx, data)
}

func (d *ioclientDevice) sendFragment(ctx context.Context, data sample.Buffer) (int, error) {
	raw := ioclient.EncodeIQ(data)
	written, err := d.tx.WriteSamples(ctx, raw)
	if err != nil {
		d.events <- AsyncEvent{Kind: EventUnderflow}
		return 0, err
	}
	return written / 4, nil
}

func (d *ioclientDevice) RecvSamples(ctx context.Context, n int) (sample.Buffer, dabtime.Timestamp, error) {
	if d.rx == nil {
		return nil, dabtime.Invalid(), fmt.Errorf("radiofrontend: no RX feedback stream open")
	}
	raw, err := d.rx.ReadSamples(ctx, n*4)
	if err != nil {
		return nil, dabtime.Invalid(), err
	}
	buf, err := ioclient.DecodeIQ(raw)
	if err != nil {
		return nil, dabtime.Invalid(), err
	}
	return buf, dabtime.Invalid(), nil
}

func (d *ioclientDevice) Events() <-chan AsyncEvent { return d.events }

func (d *ioclientDevice) SetTxGain(ctx context.Context, gainDB float64) error {
	return d.writeAttr(ctx, d.phy, "voltage0", "hardwaregain", formatGain(gainDB))
}

func (d *ioclientDevice) SetRxGain(ctx context.Context, gainDB float64) error {
	return d.writeAttr(ctx, d.phy, "voltage1", "hardwaregain", formatGain(gainDB))
}

func (d *ioclientDevice) SetFrequency(ctx context.Context, hz, loOffset float64) error {
	if err := d.tune(ctx, "tx", hz, loOffset); err != nil {
		return err
	}
	return d.tune(ctx, "rx", hz, loOffset)
}

func (d *ioclientDevice) MaxNumSamps() int { return d.maxNumSamps }

func (d *ioclientDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	if d.tx != nil {
		if err := d.tx.Close(context.Background()); err != nil {
			firstErr = err
		}
	}
	if d.rx != nil {
		if err := d.rx.Close(context.Background()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := d.client.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	close(d.events)
	return firstErr
}

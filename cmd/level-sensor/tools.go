package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/sweeney/level-sensor/internal/calstore"
	"github.com/sweeney/level-sensor/internal/config"
	"github.com/sweeney/level-sensor/internal/engine"
	"github.com/sweeney/level-sensor/internal/logic"
	"github.com/sweeney/level-sensor/internal/sampler"
)

// printState measures every channel once and classifies it against the
// stored record, or the bootstrap threshold when there is none.
func printState(w io.Writer, cfg *config.Config) error {
	driver, err := openDriver(cfg)
	if err != nil {
		return fmt.Errorf("init io: %w", err)
	}
	defer driver.Close()

	dev, err := openDeviceReadOnly(cfg)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	defer dev.Close()

	smp, err := sampler.New(driver, cfg.SamplerSettings())
	if err != nil {
		return fmt.Errorf("init sampler: %w", err)
	}
	return writeState(w, cfg, smp, calstore.New(dev))
}

func writeState(w io.Writer, cfg *config.Config, smp engine.Sampler, store engine.Store) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CH\tLOCATION\tHEIGHT\tSTRENGTH\tTHRESHOLD\tSTATE")
	for _, ch := range cfg.Channels {
		rec, _ := store.Load(ch.StoreKey)
		strength, err := smp.Measure(ch)
		if err != nil {
			fmt.Fprintf(tw, "%d\t%s\t%dcm\terror\t-\t%v\n", ch.Index, ch.Location, ch.HeightCM, err)
			continue
		}
		threshold := fmt.Sprintf("%d (bootstrap)", cfg.Engine.BootstrapThreshold)
		if rec.Calibrated {
			threshold = fmt.Sprintf("%d", rec.Threshold)
			if rec.Inverted {
				threshold += " inv"
			}
		}
		state := "DRY"
		if logic.Classify(rec, strength, cfg.Engine.BootstrapThreshold) {
			state = "SUBMERGED"
		}
		fmt.Fprintf(tw, "%d\t%s\t%dcm\t%d/%d\t%s\t%s\n",
			ch.Index, ch.Location, ch.HeightCM, strength, smp.Trials(), threshold, state)
	}
	return tw.Flush()
}

// printCalibration dumps every channel's stored record without touching the
// emitters.
func printCalibration(w io.Writer, cfg *config.Config) error {
	dev, err := openDeviceReadOnly(cfg)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	defer dev.Close()
	return writeCalibration(w, cfg.Channels, calstore.New(dev))
}

func writeCalibration(w io.Writer, channels []logic.Channel, store *calstore.Store) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CH\tLOCATION\tKEY\tSTATUS\tDRY\tWET\tTHRESHOLD\tINVERTED\tRAW")
	for _, ch := range channels {
		raw, err := store.Raw(ch.StoreKey)
		if err != nil {
			fmt.Fprintf(tw, "%d\t%s\t%d\tread error: %v\t\t\t\t\t\n", ch.Index, ch.Location, ch.StoreKey, err)
			continue
		}
		rec, err := calstore.Decode(raw)
		st := "ok"
		switch {
		case errors.Is(err, calstore.ErrBlank):
			st = "blank"
		case errors.Is(err, calstore.ErrIntegrity):
			st = "checksum mismatch"
		case errors.Is(err, calstore.ErrVersion):
			st = "unknown version"
		case err != nil:
			st = err.Error()
		case !rec.Calibrated:
			st = "uncalibrated"
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%d\t%d\t%d\t%v\t%s\n",
			ch.Index, ch.Location, ch.StoreKey, st,
			rec.DryBaseline, rec.WetBaseline, rec.Threshold, rec.Inverted, hex.EncodeToString(raw))
	}
	return tw.Flush()
}

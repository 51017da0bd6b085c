// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command optigactl is a small demo CLI exercising a bound Device against a
// real bus or an in-process simulator, for manual testing without a full
// application wired around the library.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	optiga "github.com/go-optiga/optigatrust"
	"github.com/go-optiga/optigatrust/bus/i2c"
	"github.com/go-optiga/optigatrust/bus/serialbridge"
	"github.com/go-optiga/optigatrust/bus/spi"
	"github.com/go-optiga/optigatrust/command"
	optigatesting "github.com/go-optiga/optigatrust/internal/testing"
	"hermannm.dev/devlog"
)

var level slog.LevelVar

func init() {
	slog.SetDefault(slog.New(devlog.NewHandler(os.Stdout, &devlog.Options{
		Level: &level,
	})))
}

type config struct {
	busPath  string
	busKind  string
	op       string
	n        int
	debug    bool
	simulate bool
}

var (
	flagBusPath  string
	flagBusKind  string
	flagOp       string
	flagN        int
	flagDebug    bool
	flagSimulate bool
)

func init() {
	flag.StringVar(&flagBusPath, "device", "", "bus path (e.g. /dev/i2c-1, /dev/spidev0.0, /dev/ttyUSB0)")
	flag.StringVar(&flagBusKind, "bus", "i2c", "bus kind: i2c, spi, serialbridge")
	flag.StringVar(&flagOp, "op", "random", "operation: random, genkey, getdata")
	flag.IntVar(&flagN, "n", 32, "byte count (random) or OID (getdata, hex or decimal)")
	flag.BoolVar(&flagDebug, "debug", false, "enable debug logging")
	flag.BoolVar(&flagSimulate, "simulate", false, "run against an in-process VirtualOptiga instead of a real bus")
}

func parseConfig() *config {
	if flagDebug {
		level.Set(slog.LevelDebug)
	}
	return &config{
		busPath:  flagBusPath,
		busKind:  flagBusKind,
		op:       flagOp,
		n:        flagN,
		debug:    flagDebug,
		simulate: flagSimulate,
	}
}

func openBus(cfg *config) (optiga.Bus, error) {
	if cfg.simulate {
		return optigatesting.NewVirtualOptiga(0x40, nil), nil
	}
	if cfg.busPath == "" {
		return nil, errors.New("optigactl: -device is required unless -simulate is set")
	}
	switch cfg.busKind {
	case "i2c":
		return i2c.New(cfg.busPath)
	case "spi":
		return spi.New(cfg.busPath)
	case "serialbridge":
		return serialbridge.New(cfg.busPath)
	default:
		return nil, fmt.Errorf("optigactl: unsupported bus kind %q", cfg.busKind)
	}
}

func runOp(ctx context.Context, dev *optiga.Device, cfg *config) error {
	switch cfg.op {
	case "random":
		data, err := command.GetRandom(ctx, dev, uint16(cfg.n))
		if err != nil {
			return fmt.Errorf("random: %w", err)
		}
		fmt.Printf("random: %x\n", data)
		return nil

	case "genkey":
		pub, err := command.GenKeyPair(ctx, dev, command.CurveNISTP256, command.KeyUsageSignature)
		if err != nil {
			return fmt.Errorf("genkey: %w", err)
		}
		fmt.Printf("public key: %x\n", pub)
		return nil

	case "getdata":
		oid, err := parseOID(cfg.n)
		if err != nil {
			return err
		}
		data, err := command.GetDataObject(ctx, dev, oid, 0, 0)
		if err != nil {
			return fmt.Errorf("getdata: %w", err)
		}
		fmt.Printf("object %#04x: %x\n", oid, data)
		return nil

	default:
		return fmt.Errorf("optigactl: unknown op %q", cfg.op)
	}
}

func parseOID(n int) (uint16, error) {
	if n < 0 || n > 0xFFFF {
		return 0, fmt.Errorf("optigactl: OID %d out of range", n)
	}
	return uint16(n), nil
}

func run(ctx context.Context, cfg *config) error {
	bus, err := openBus(cfg)
	if err != nil {
		return err
	}

	dev, err := optiga.Bind(ctx, bus, optiga.WithLogger(slog.Default()))
	if err != nil {
		return fmt.Errorf("optigactl: bind: %w", err)
	}
	defer func() {
		if cerr := dev.Close(); cerr != nil {
			slog.Error("close failed", "error", cerr)
		}
	}()

	return runOp(ctx, dev, cfg)
}

func main() {
	flag.Parse()
	os.Exit(mainWithExitCode())
}

func mainWithExitCode() int {
	cfg := parseConfig()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		slog.Error("run failed", "error", err)
		return 1
	}
	return 0
}

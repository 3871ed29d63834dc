// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/phillipweinstock/libsdi12/pkg/sdi12"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	serveAddr     string
	serveVendor   string
	serveModel    string
	serveFirmware string
	serveAsSensor bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a simulated SDI-12 sensor",
	Long: `Run the sensor engine against a real serial port (--port) for bench
testing, answering SDI-12 commands as a single simulated sensor with one
parameter group of static test values.

Without --port, serve runs the sensor engine against an in-memory loopback
Bus. By default it also drives a built-in master over the bus's other end
(identify, measure, get data) as a self-contained wiring smoke test, with
no second process required. Pass --as-sensor to skip the built-in master
and instead block serving only the bus's sensor end, for a caller that
wants to drive the master side itself in-process.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "0", "Sensor address")
	serveCmd.Flags().StringVar(&serveVendor, "vendor", "SDI12CTL", "Vendor string (<=8 chars)")
	serveCmd.Flags().StringVar(&serveModel, "model", "SIM001", "Model string (<=6 chars)")
	serveCmd.Flags().StringVar(&serveFirmware, "firmware", "100", "Firmware version (<=3 chars)")
	serveCmd.Flags().BoolVar(&serveAsSensor, "as-sensor", false, "In loopback mode, serve only the sensor end of the bus instead of running the built-in bench self-test master")
}

// staticSensorIO answers aM!/aD0! with a single fixed value per
// registered parameter; it implements sdi12.SensorIO only (no optional
// capabilities), so every measurement is synchronous (ttt == 0).
type staticSensorIO struct {
	conn   Connection
	values []sdi12.Value
	log    zerolog.Logger
}

func (s *staticSensorIO) SendResponse(data []byte) {
	if _, err := s.conn.Write(data); err != nil {
		s.log.Warn().Err(err).Msg("send failed")
	}
}

func (s *staticSensorIO) SetDirection(sdi12.Direction) {}

func (s *staticSensorIO) ReadParam(index int) sdi12.Value {
	if index < 0 || index >= len(s.values) {
		return sdi12.Value{}
	}
	return s.values[index]
}

// newStaticSensor builds a Sensor wired to conn through staticSensorIO, with
// the fixed test-value table every serve mode shares.
func newStaticSensor(conn Connection, logger zerolog.Logger) (*sdi12.Sensor, error) {
	io := &staticSensorIO{
		conn: conn,
		values: []sdi12.Value{
			{Value: 42, Decimals: 0},
			{Value: 25.5, Decimals: 2},
			{Value: 101.3, Decimals: 1},
		},
		log: logger,
	}

	sensor, err := sdi12.NewSensor(serveAddr[0], sdi12.Identification{
		Vendor:   serveVendor,
		Model:    serveModel,
		Firmware: serveFirmware,
	}, io, sdi12.WithSensorLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("sensor init: %w", err)
	}

	for i := range io.values {
		if err := sensor.RegisterParam(0, fmt.Sprintf("P%d", i+1), "unit", io.values[i].Decimals); err != nil {
			return nil, fmt.Errorf("register param: %w", err)
		}
	}

	return sensor, nil
}

// serveFrames reads '!'-terminated command frames from conn and dispatches
// each to sensor.Process until conn closes or sigCh fires, then closes done.
func serveFrames(sensor *sdi12.Sensor, conn Connection, logger zerolog.Logger, sigCh <-chan os.Signal, done chan<- struct{}) {
	defer close(done)

	frameCh := make(chan []byte, 16)
	go func() {
		reader := bufio.NewReader(conn)
		for {
			line, err := reader.ReadBytes('!')
			if len(line) > 0 {
				frameCh <- line
			}
			if err != nil {
				close(frameCh)
				return
			}
		}
	}()

	for {
		select {
		case <-sigCh:
			return
		case frame, ok := <-frameCh:
			if !ok {
				return
			}
			if err := sensor.Process(frame); err != nil {
				logger.Debug().Err(err).Msg("command not handled")
			}
		}
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	if portName == "" {
		return runServeLoopback(logger)
	}

	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("sdi12ctl - Serve\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Address: %s\n", serveAddr)
	fmt.Println("Press Ctrl+C to exit")

	sensor, err := newStaticSensor(conn, logger)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)

	done := make(chan struct{})
	serveFrames(sensor, conn, logger, sigCh, done)
	return nil
}

// runServeLoopback wires the sensor engine to the sensor end of an
// in-memory Bus. With --as-sensor it simply serves that end, blocking until
// interrupted, for a caller driving the master side itself in-process.
// Otherwise it also builds a Master over the bus's other end and runs
// identify/measure/get-data against the local sensor, proving out the
// engine wiring end to end without a second process attached.
func runServeLoopback(logger zerolog.Logger) error {
	bus := NewBus()

	sensor, err := newStaticSensor(bus.SensorEnd(), logger)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)

	done := make(chan struct{})
	go serveFrames(sensor, bus.SensorEnd(), logger, sigCh, done)

	if serveAsSensor {
		fmt.Println("sdi12ctl - Serve (loopback, sensor only)")
		fmt.Println("Serving the sensor end of an in-memory bus; nothing drives the master end in this mode.")
		fmt.Println("Press Ctrl+C to exit")
		<-done
		return nil
	}

	fmt.Println("sdi12ctl - Serve (loopback bench self-test)")
	fmt.Println("Driving a built-in master against the sensor engine over an in-memory bus.")

	master, err := sdi12.NewMaster(newSerialMasterIO(bus.MasterEnd()))
	if err != nil {
		return fmt.Errorf("master init: %w", err)
	}

	ctx := context.Background()
	addr := serveAddr[0]

	ident, err := master.Identify(ctx, addr)
	if err != nil {
		return fmt.Errorf("loopback identify failed: %w", err)
	}
	fmt.Printf("Identify: vendor=%q model=%q firmware=%q\n", ident.Info.Vendor, ident.Info.Model, ident.Info.Firmware)

	meas, err := master.StartMeasurement(ctx, addr, sdi12.MeasStandard, 0, false)
	if err != nil {
		return fmt.Errorf("loopback measure failed: %w", err)
	}
	fmt.Printf("Measure: %d value(s), ready in %ds\n", meas.ValueCount, meas.WaitSeconds)
	if meas.WaitSeconds > 0 {
		if err := master.WaitServiceRequest(ctx, addr, time.Duration(meas.WaitSeconds+1)*time.Second); err != nil {
			fmt.Fprintf(os.Stderr, "No service request received, reading at deadline: %v\n", err)
		}
	}

	data, err := master.GetData(ctx, addr, 0, false)
	if err != nil {
		return fmt.Errorf("loopback get data failed: %w", err)
	}
	printValues(data)

	bus.MasterEnd().Close()
	<-done
	return nil
}

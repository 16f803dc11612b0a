// Package metrics writes area transitions and light commands to InfluxDB.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"areapresence/internal/area"
	"areapresence/internal/lightcontrol"
	"areapresence/internal/occupancy"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
)

const (
	connectTimeout = 10 * time.Second
	batchSize      = 50
	flushInterval  = 10 * time.Second
)

var (
	// ErrDisabled is returned by Connect when no URL is configured
	ErrDisabled = errors.New("influxdb: disabled in configuration")

	// ErrConnectionFailed indicates the initial connection attempt failed
	ErrConnectionFailed = errors.New("influxdb: connection failed")
)

// Config holds InfluxDB connection settings
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// pointWriter is the part of the InfluxDB write API the recorder needs
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Recorder turns controller output into InfluxDB points
type Recorder struct {
	writer pointWriter
	close  func()
	logger *zap.Logger
}

// Connect pings the server and returns a recorder writing through a
// batching write API.
func Connect(cfg Config, logger *zap.Logger) (*Recorder, error) {
	if cfg.URL == "" {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batchSize).
			SetFlushInterval(uint(flushInterval.Milliseconds())),
	)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	r := newRecorder(writeAPI, logger)
	r.close = client.Close

	go r.handleWriteErrors(writeAPI.Errors())

	r.logger.Info("Connected to InfluxDB",
		zap.String("url", cfg.URL),
		zap.String("bucket", cfg.Bucket))
	return r, nil
}

func newRecorder(writer pointWriter, logger *zap.Logger) *Recorder {
	return &Recorder{
		writer: writer,
		logger: logger.Named("metrics"),
	}
}

func (r *Recorder) handleWriteErrors(errorsCh <-chan error) {
	for err := range errorsCh {
		r.logger.Warn("InfluxDB write failed", zap.Error(err))
	}
}

// RecordTransition writes one area_state point per transition
func (r *Recorder) RecordTransition(tr occupancy.Transition) {
	occupied := tr.To != area.Clear && tr.To != area.Extended
	point := write.NewPoint(
		"area_state",
		map[string]string{
			"area":  tr.Area,
			"state": string(tr.To),
		},
		map[string]interface{}{
			"occupied":       occupied,
			"previous":       string(tr.From),
			"active_sensors": len(tr.ActiveSensors),
		},
		tr.At,
	)
	r.writer.WritePoint(point)
}

// RecordLightEvent writes one light_event point per controller event
func (r *Recorder) RecordLightEvent(ev lightcontrol.Event) {
	fields := map[string]interface{}{
		"lights": len(ev.Entities),
	}
	if ev.Kind == lightcontrol.EventTurnOn {
		fields["brightness"] = ev.Brightness
		fields["illuminance"] = ev.Illuminance
	}

	point := write.NewPoint(
		"light_event",
		map[string]string{
			"area": ev.Area,
			"kind": string(ev.Kind),
		},
		fields,
		ev.At,
	)
	r.writer.WritePoint(point)
}

// Close flushes pending points and closes the client
func (r *Recorder) Close() {
	r.writer.Flush()
	if r.close != nil {
		r.close()
	}
}

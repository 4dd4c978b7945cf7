/*
Copyright 2023 Siteconf Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package backend

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
)

// ReporterConfig configures the reporter wrapper.
type ReporterConfig struct {
	// Backend is the backend to wrap.
	Backend Backend
}

// CheckAndSetDefaults checks and sets the configuration.
func (r *ReporterConfig) CheckAndSetDefaults() error {
	if r.Backend == nil {
		return trace.BadParameter("missing parameter Backend")
	}
	return nil
}

// Reporter wraps a Backend implementation and reports
// statistics about the backend operations.
type Reporter struct {
	// ReporterConfig contains reporter wrapper configuration.
	ReporterConfig
}

// NewReporter returns a new Reporter.
func NewReporter(cfg ReporterConfig) (*Reporter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Reporter{ReporterConfig: cfg}, nil
}

// Get returns a single item or NotFound error.
func (s *Reporter) Get(ctx context.Context, key []byte) (*Item, error) {
	start := s.Clock().Now()
	item, err := s.Backend.Get(ctx, key)
	readLatencies.Observe(time.Since(start).Seconds())
	readRequests.Inc()
	if err != nil && !trace.IsNotFound(err) {
		readRequestsFailed.Inc()
	}
	return item, err
}

// GetRange returns items in the query range.
func (s *Reporter) GetRange(ctx context.Context, startKey []byte, endKey []byte, limit int) (*GetResult, error) {
	start := s.Clock().Now()
	res, err := s.Backend.GetRange(ctx, startKey, endKey, limit)
	batchReadLatencies.Observe(time.Since(start).Seconds())
	batchReadRequests.Inc()
	if err != nil {
		batchReadRequestsFailed.Inc()
	}
	return res, err
}

// Create creates item if it does not exist.
func (s *Reporter) Create(ctx context.Context, i Item) error {
	start := s.Clock().Now()
	err := s.Backend.Create(ctx, i)
	writeLatencies.Observe(time.Since(start).Seconds())
	writeRequests.Inc()
	if err != nil && !trace.IsAlreadyExists(err) {
		writeRequestsFailed.Inc()
	}
	return err
}

// Put puts value into backend (creates if it does not
// exist, updates it otherwise).
func (s *Reporter) Put(ctx context.Context, i Item) error {
	start := s.Clock().Now()
	err := s.Backend.Put(ctx, i)
	writeLatencies.Observe(time.Since(start).Seconds())
	writeRequests.Inc()
	if err != nil {
		writeRequestsFailed.Inc()
	}
	return err
}

// Update updates value in the backend.
func (s *Reporter) Update(ctx context.Context, i Item) error {
	start := s.Clock().Now()
	err := s.Backend.Update(ctx, i)
	writeLatencies.Observe(time.Since(start).Seconds())
	writeRequests.Inc()
	if err != nil && !trace.IsNotFound(err) {
		writeRequestsFailed.Inc()
	}
	return err
}

// CompareAndSwap compares the existing item with expected and replaces it
// with replaceWith if they match.
func (s *Reporter) CompareAndSwap(ctx context.Context, expected Item, replaceWith Item) error {
	start := s.Clock().Now()
	err := s.Backend.CompareAndSwap(ctx, expected, replaceWith)
	writeLatencies.Observe(time.Since(start).Seconds())
	writeRequests.Inc()
	if err != nil && !trace.IsCompareFailed(err) {
		writeRequestsFailed.Inc()
	}
	return err
}

// Delete deletes item by key.
func (s *Reporter) Delete(ctx context.Context, key []byte) error {
	start := s.Clock().Now()
	err := s.Backend.Delete(ctx, key)
	writeLatencies.Observe(time.Since(start).Seconds())
	writeRequests.Inc()
	if err != nil && !trace.IsNotFound(err) {
		writeRequestsFailed.Inc()
	}
	return err
}

// DeleteRange deletes range of items.
func (s *Reporter) DeleteRange(ctx context.Context, startKey, endKey []byte) error {
	start := s.Clock().Now()
	err := s.Backend.DeleteRange(ctx, startKey, endKey)
	batchWriteLatencies.Observe(time.Since(start).Seconds())
	batchWriteRequests.Inc()
	if err != nil {
		batchWriteRequestsFailed.Inc()
	}
	return err
}

// AtomicWrite applies the conditional actions in one transaction.
func (s *Reporter) AtomicWrite(ctx context.Context, condacts []ConditionalAction) error {
	start := s.Clock().Now()
	err := s.Backend.AtomicWrite(ctx, condacts)
	batchWriteLatencies.Observe(time.Since(start).Seconds())
	batchWriteRequests.Inc()
	if err != nil {
		batchWriteRequestsFailed.Inc()
	}
	return err
}

// Close closes the wrapped backend.
func (s *Reporter) Close() error {
	return s.Backend.Close()
}

// Clock returns the clock of the wrapped backend.
func (s *Reporter) Clock() clockwork.Clock {
	return s.Backend.Clock()
}

var (
	writeRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "siteconf_backend_write_requests",
			Help: "Number of write requests to the backend",
		},
	)
	writeRequestsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "siteconf_backend_write_requests_failed",
			Help: "Number of failed write requests to the backend",
		},
	)
	batchWriteRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "siteconf_backend_batch_write_requests",
			Help: "Number of batch write requests to the backend",
		},
	)
	batchWriteRequestsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "siteconf_backend_batch_write_requests_failed",
			Help: "Number of failed batch write requests to the backend",
		},
	)
	readRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "siteconf_backend_read_requests",
			Help: "Number of read requests to the backend",
		},
	)
	readRequestsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "siteconf_backend_read_requests_failed",
			Help: "Number of failed read requests to the backend",
		},
	)
	batchReadRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "siteconf_backend_batch_read_requests",
			Help: "Number of batch read requests to the backend",
		},
	)
	batchReadRequestsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "siteconf_backend_batch_read_requests_failed",
			Help: "Number of failed batch read requests to the backend",
		},
	)
	writeLatencies = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "siteconf_backend_write_seconds",
			Help: "Latency for backend write operations",
		},
	)
	batchWriteLatencies = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "siteconf_backend_batch_write_seconds",
			Help: "Latency for backend batch write operations",
		},
	)
	batchReadLatencies = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "siteconf_backend_batch_read_seconds",
			Help: "Latency for backend batch read operations",
		},
	)
	readLatencies = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "siteconf_backend_read_seconds",
			Help: "Latency for backend read operations",
		},
	)
)

func init() {
	prometheus.MustRegister(writeRequests)
	prometheus.MustRegister(writeRequestsFailed)
	prometheus.MustRegister(batchWriteRequests)
	prometheus.MustRegister(batchWriteRequestsFailed)
	prometheus.MustRegister(readRequests)
	prometheus.MustRegister(readRequestsFailed)
	prometheus.MustRegister(batchReadRequests)
	prometheus.MustRegister(batchReadRequestsFailed)
	prometheus.MustRegister(writeLatencies)
	prometheus.MustRegister(batchWriteLatencies)
	prometheus.MustRegister(batchReadLatencies)
	prometheus.MustRegister(readLatencies)
}

// Package health reports the liveness of a service and its dependencies.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

const (
	DefaultCacheTTL       = 10 * time.Second
	DefaultCheckTimeout   = 5 * time.Second
	DefaultDeepCheckLimit = 10 * time.Second
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Status represents the health check response.
type Status struct {
	Status    string                    `json:"status"`
	Service   string                    `json:"service"`
	Timestamp string                    `json:"timestamp"`
	Checks    map[string]ComponentCheck `json:"checks,omitempty"`
}

// ComponentCheck represents the health of a single component.
type ComponentCheck struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// S3Client defines the S3 operations needed for health checks.
type S3Client interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// SQSClient defines the SQS operations needed for health checks.
type SQSClient interface {
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Config holds health checker configuration.
type Config struct {
	ServiceName string
	S3Client    S3Client
	S3Buckets   []string
	SQSClient   SQSClient
	SQSQueueURL string
	// Tools maps a check name to an executable that must be resolvable,
	// such as the ffmpeg binaries used by the worker.
	Tools          map[string]string
	Logger         *slog.Logger
	CacheTTL       time.Duration
	CheckTimeout   time.Duration
	DeepCheckLimit time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig(serviceName string, logger *slog.Logger) *Config {
	return &Config{
		ServiceName:    serviceName,
		Logger:         logger,
		CacheTTL:       DefaultCacheTTL,
		CheckTimeout:   DefaultCheckTimeout,
		DeepCheckLimit: DefaultDeepCheckLimit,
	}
}

type probe struct {
	name string
	run  func(ctx context.Context) error
}

// Checker provides health check functionality.
type Checker struct {
	config *Config
	probes []probe
	now    func() time.Time

	mu            sync.RWMutex
	lastCheck     time.Time
	lastStatus    *Status
	lastDeepCheck time.Time
}

// NewChecker creates a new health checker with the given configuration.
func NewChecker(config *Config) *Checker {
	c := &Checker{config: config, now: time.Now}

	if config.S3Client != nil {
		for _, bucket := range config.S3Buckets {
			if bucket == "" {
				continue
			}
			c.probes = append(c.probes, probe{
				name: "s3:" + bucket,
				run: func(ctx context.Context) error {
					_, err := config.S3Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
					return err
				},
			})
		}
	}

	if config.SQSClient != nil && config.SQSQueueURL != "" {
		c.probes = append(c.probes, probe{
			name: "sqs",
			run: func(ctx context.Context) error {
				_, err := config.SQSClient.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
					QueueUrl: aws.String(config.SQSQueueURL),
					AttributeNames: []types.QueueAttributeName{
						types.QueueAttributeNameApproximateNumberOfMessages,
					},
				})
				return err
			},
		})
	}

	names := make([]string, 0, len(config.Tools))
	for name := range config.Tools {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		path := config.Tools[name]
		c.probes = append(c.probes, probe{
			name: name,
			run: func(context.Context) error {
				if _, err := exec.LookPath(path); err != nil {
					return fmt.Errorf("%s not found: %w", path, err)
				}
				return nil
			},
		})
	}

	return c
}

// Check reports the service status. Dependencies are only probed when deep
// is set; otherwise a result younger than CacheTTL may be returned.
func (c *Checker) Check(ctx context.Context, deep bool) *Status {
	if !deep {
		c.mu.RLock()
		if c.lastStatus != nil && c.now().Sub(c.lastCheck) < c.config.CacheTTL {
			status := c.lastStatus
			c.mu.RUnlock()
			return status
		}
		c.mu.RUnlock()
	}

	status := &Status{
		Status:    StatusHealthy,
		Service:   c.config.ServiceName,
		Timestamp: c.now().UTC().Format(time.RFC3339),
		Checks:    make(map[string]ComponentCheck),
	}

	if deep {
		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, p := range c.probes {
			wg.Add(1)
			go func() {
				defer wg.Done()
				check := c.run(ctx, p)
				mu.Lock()
				defer mu.Unlock()
				status.Checks[p.name] = check
				if check.Status != StatusHealthy {
					status.Status = StatusDegraded
				}
			}()
		}
		wg.Wait()
	}

	c.mu.Lock()
	c.lastCheck = c.now()
	c.lastStatus = status
	c.mu.Unlock()

	return status
}

func (c *Checker) run(ctx context.Context, p probe) ComponentCheck {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.config.CheckTimeout)
	defer cancel()

	err := p.run(ctx)
	latency := time.Since(start).String()
	if err != nil {
		return ComponentCheck{Status: StatusUnhealthy, Latency: latency, Error: err.Error()}
	}
	return ComponentCheck{Status: StatusHealthy, Latency: latency}
}

// CanPerformDeepCheck returns true if enough time has passed since the last deep check.
func (c *Checker) CanPerformDeepCheck() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now().Sub(c.lastDeepCheck) >= c.config.DeepCheckLimit
}

// RecordDeepCheck records the time of a deep health check.
func (c *Checker) RecordDeepCheck() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastDeepCheck = c.now()
}

// Handler returns an HTTP handler for basic health checks.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := c.Check(r.Context(), false)
		c.writeResponse(w, status, statusCode(status))
	}
}

// DeepHandler returns an HTTP handler for deep health checks. Calls within
// DeepCheckLimit of the previous one get the cached result with 429.
func (c *Checker) DeepHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !c.CanPerformDeepCheck() {
			cached := *c.Check(r.Context(), false)
			cached.Checks = maps.Clone(cached.Checks)
			if cached.Checks == nil {
				cached.Checks = make(map[string]ComponentCheck)
			}
			cached.Checks["rate_limited"] = ComponentCheck{
				Status: "info",
				Error:  "Deep health check rate limited, returning cached result",
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(c.config.DeepCheckLimit.Seconds())))
			c.writeResponse(w, &cached, http.StatusTooManyRequests)
			return
		}

		c.RecordDeepCheck()
		status := c.Check(r.Context(), true)
		c.writeResponse(w, status, statusCode(status))
	}
}

func statusCode(status *Status) int {
	if status.Status != StatusHealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func (c *Checker) writeResponse(w http.ResponseWriter, status *Status, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(status); err != nil && c.config.Logger != nil {
		c.config.Logger.Error("Failed to encode health check response", "error", err)
	}
}

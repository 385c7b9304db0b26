package x11

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// PortAllocator claims one free display port in [6010,6099] and returns
// both the bound listener and the TCP port it claimed (the display number
// is port - 6000). Two independent nemu processes on the same host must
// not race for the same port.
type PortAllocator interface {
	Allocate() (net.Listener, int, error)
}

// localAllocator is the default PortAllocator: a mutex-guarded bind scan,
// sufficient as long as only one nemu process runs on the host (the
// kernel's bind() already serializes against everything else).
type localAllocator struct {
	mu sync.Mutex
}

func (a *localAllocator) Allocate() (net.Listener, int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return bindFreeDisplayPort()
}

// RedisPortAllocator takes a short-lived SETNX lock per candidate port
// before binding, so that several independent nemu processes sharing a
// host (e.g. a CI matrix running parallel test jobs) don't both observe
// the same port free and race to bind it. The Redis client is a plain
// redis.NewClient against a single address, DB 0.
type RedisPortAllocator struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisPortAllocator dials addr (DB 0, the default) for port-lock
// coordination. It does not verify connectivity; Allocate surfaces any
// dial/command failure by falling back to the local allocator.
func NewRedisPortAllocator(addr string) *RedisPortAllocator {
	return &RedisPortAllocator{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    5 * time.Second,
	}
}

func (a *RedisPortAllocator) Close() error { return a.client.Close() }

// Allocate walks the display-port range, attempting a Redis SETNX lock
// per candidate before binding; a port whose lock is already held is
// skipped even if this process could otherwise have bound it, so that
// two processes never converge on the same display number.
func (a *RedisPortAllocator) Allocate() (net.Listener, int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	host, _ := os.Hostname()
	for port := displayPortBase; port <= displayPortMax; port++ {
		key := fmt.Sprintf("nemu:x11:port:%d", port)
		ok, err := a.client.SetNX(ctx, key, host, a.ttl).Result()
		if err != nil {
			// Redis unavailable: degrade to the local allocator rather than
			// fail display forwarding outright.
			return bindFreeDisplayPort()
		}
		if !ok {
			continue
		}
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue // someone else bound it outside our lock; try the next
		}
		return l, port, nil
	}
	return nil, 0, fmt.Errorf("nemu: x11: no free display port in [%d,%d]", displayPortBase, displayPortMax)
}

// defaultAllocator is process-wide, swappable via SetPortAllocator.
var (
	allocatorMu sync.Mutex
	allocator   PortAllocator = &localAllocator{}
)

// SetPortAllocator replaces the process-wide PortAllocator used by
// FindDisplayPort. Called once at startup with a RedisPortAllocator when
// $NEMU_REDIS_ADDR is set; left as the local default otherwise.
func SetPortAllocator(a PortAllocator) {
	allocatorMu.Lock()
	defer allocatorMu.Unlock()
	allocator = a
}

// PortAllocatorFromEnv builds the process's default PortAllocator:
// Redis-backed when $NEMU_REDIS_ADDR is set, local otherwise.
func PortAllocatorFromEnv() PortAllocator {
	if addr := os.Getenv("NEMU_REDIS_ADDR"); addr != "" {
		return NewRedisPortAllocator(addr)
	}
	return &localAllocator{}
}

func bindFreeDisplayPort() (net.Listener, int, error) {
	for port := displayPortBase; port <= displayPortMax; port++ {
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return l, port, nil
		}
	}
	return nil, 0, fmt.Errorf("nemu: x11: no free display port in [%d,%d]", displayPortBase, displayPortMax)
}

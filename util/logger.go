package util

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	loggerOnce sync.Once
	logger     zerolog.Logger
)

// Logger returns the process-wide logger. SetDebug may lower its level later.
func Logger() *zerolog.Logger {
	loggerOnce.Do(func() {
		zerolog.TimeFieldFormat = time.RFC3339
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Level(zerolog.InfoLevel)
	})
	return &logger
}

func SetDebug(debug bool) {
	l := Logger()
	if debug {
		*l = l.Level(zerolog.DebugLevel)
	} else {
		*l = l.Level(zerolog.InfoLevel)
	}
}

// ComponentLogger tags log lines with the emitting component.
func ComponentLogger(component string) zerolog.Logger {
	return Logger().With().Str("component", component).Logger()
}

// Clock abstracts time retrieval so delivery and queue logic is deterministic in tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// FixedClock always returns T. Advance moves it forward.
type FixedClock struct {
	mu sync.Mutex
	T  time.Time
}

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.T
}

func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.T = c.T.Add(d)
	c.mu.Unlock()
}

package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every tunable the server reads from the environment.
// Tests construct their own Config with short timers instead of going
// through Load.
type Config struct {
	Addr     string
	AdminKey string

	// Realtime tunables.
	TickInterval  time.Duration // arena simulation step
	Countdown     int           // seconds before a room starts playing
	TargetScore   int           // score that ends an arena game
	SweepInterval time.Duration // idle sweep cadence for matches and rooms
	IdleTimeout   time.Duration // age at which idle matches/waiting rooms die
}

func Load() Config {
	return Config{
		Addr:          envStr("ADDR", ":8080"),
		AdminKey:      envStr("ADMIN_KEY", ""),
		TickInterval:  envDur("TICK_INTERVAL", 150*time.Millisecond),
		Countdown:     envInt("COUNTDOWN_SECONDS", 3),
		TargetScore:   envInt("TARGET_SCORE", 100),
		SweepInterval: envDur("SWEEP_INTERVAL", 5*time.Minute),
		IdleTimeout:   envDur("IDLE_TIMEOUT", 30*time.Minute),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

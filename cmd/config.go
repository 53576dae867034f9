package main

import (
	"fmt"
	"time"
)

type Config struct {
	Host            string        `env:"HOST,default=0.0.0.0"`
	Port            int           `env:"SERVER_PORT,default=8080"`
	LogLevel        string        `env:"LOG_LEVEL,default=INFO"`
	BadgerFilepath  string        `env:"BADGER_FILEPATH,default=data/snapshot"`
	BlugeFilepath   string        `env:"BLUGE_FILEPATH,default=data/index"`
	KeepalivePeriod time.Duration `env:"WS_KEEPALIVE_PERIOD,default=30s"`

	// SnapshotInterval paces periodic saves; a final save always runs on
	// shutdown.
	SnapshotInterval time.Duration `env:"SNAPSHOT_INTERVAL,default=1m"`

	// ConnectionBufferSize bounds each session's reply buffer; a peer
	// slower than this loses notifications rather than stalling dispatch.
	ConnectionBufferSize int `env:"CONNECTION_BUFFER_SIZE,default=256"`
	EventBufferSize      int `env:"EVENT_BUFFER_SIZE,default=1024"`

	CensoredWords   []string `env:"CENSORED_WORDS"`
	CharReplacement string   `env:"CHARACTER_REPLACEMENT,default=*"`
}

func CharacterRune(str string) (rune, error) {
	r := []rune(str)
	if len(r) != 1 {
		return 0, fmt.Errorf(
			"CHARACTER_REPLACEMENT must be a single character, got %q",
			str,
		)
	}
	return r[0], nil
}

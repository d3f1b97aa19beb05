package round

import (
	"errors"
	"fmt"
	"strings"
)

type Mode int

const (
	ModeLocal Mode = iota
	ModeOnline
	ModeSyncTest
)

var ErrUnknownMode = errors.New("unknown round mode")

func (m Mode) String() string {
	switch m {
	case ModeLocal:
		return "local"
	case ModeOnline:
		return "online"
	case ModeSyncTest:
		return "synctest"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "local":
		return ModeLocal, nil
	case "online":
		return ModeOnline, nil
	case "synctest", "sync-test", "sync_test":
		return ModeSyncTest, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// LocalControllers is how many controllers a mode reads each tick.
func (m Mode) LocalControllers(numPlayers int) int {
	if m == ModeOnline {
		return 1
	}
	return numPlayers
}

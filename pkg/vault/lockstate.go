package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/forest6511/credvault/pkg/storage"
)

// Unlock attempt limits: 5 failures -> 30s, 10 -> 5min, 20 -> 30min.
const (
	CooldownThreshold1 = 5                // First cooldown threshold
	CooldownThreshold2 = 10               // Second cooldown threshold
	CooldownThreshold3 = 20               // Third cooldown threshold
	CooldownDuration1  = 30 * time.Second // Cooldown after 5 failures
	CooldownDuration2  = 5 * time.Minute  // Cooldown after 10 failures
	CooldownDuration3  = 30 * time.Minute // Cooldown after 20 failures
)

// LockState tracks failed unlock attempts for one vault file.
type LockState struct {
	FailedAttempts int       `json:"failed_attempts"`
	LastAttempt    time.Time `json:"last_attempt"`
	CooldownUntil  time.Time `json:"cooldown_until"`
}

func attemptsPath(vaultPath string) string {
	return vaultPath + ".attempts"
}

func loadLockState(vaultPath string) (*LockState, error) {
	data, err := os.ReadFile(attemptsPath(vaultPath))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &LockState{}, nil
		}
		return nil, fmt.Errorf("vault: failed to read lock state: %w", err)
	}

	var state LockState
	if err := json.Unmarshal(data, &state); err != nil {
		// A corrupted state file resets the counter.
		return &LockState{}, nil
	}
	return &state, nil
}

func saveLockState(vaultPath string, state *LockState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("vault: failed to marshal lock state: %w", err)
	}
	if err := os.WriteFile(attemptsPath(vaultPath), data, storage.FileMode); err != nil {
		return fmt.Errorf("vault: failed to write lock state: %w", err)
	}
	return nil
}

func clearLockState(vaultPath string) error {
	err := os.Remove(attemptsPath(vaultPath))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("vault: failed to clear lock state: %w", err)
	}
	return nil
}

// checkCooldown returns ErrCooldownActive and the remaining time while a
// cooldown is in force.
func checkCooldown(vaultPath string, now time.Time) (time.Duration, error) {
	state, err := loadLockState(vaultPath)
	if err != nil {
		return 0, err
	}
	if !state.CooldownUntil.IsZero() && now.Before(state.CooldownUntil) {
		return state.CooldownUntil.Sub(now), ErrCooldownActive
	}
	return 0, nil
}

// recordFailedAttempt counts a failure and starts a cooldown once a
// threshold is reached. It returns the cooldown started, if any.
func recordFailedAttempt(vaultPath string, now time.Time) (time.Duration, error) {
	state, err := loadLockState(vaultPath)
	if err != nil {
		return 0, err
	}

	state.FailedAttempts++
	state.LastAttempt = now

	var cooldown time.Duration
	switch {
	case state.FailedAttempts >= CooldownThreshold3:
		cooldown = CooldownDuration3
	case state.FailedAttempts >= CooldownThreshold2:
		cooldown = CooldownDuration2
	case state.FailedAttempts >= CooldownThreshold1:
		cooldown = CooldownDuration1
	}
	if cooldown > 0 {
		state.CooldownUntil = now.Add(cooldown)
	}

	return cooldown, saveLockState(vaultPath, state)
}

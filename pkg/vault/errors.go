package vault

import (
	"errors"

	"github.com/forest6511/credvault/pkg/storage"
)

// Errors returned to callers. Compare with errors.Is.
var (
	// ErrStorageUnavailable means the vault file could not be opened, locked
	// or written. Retryable after the cause is fixed.
	ErrStorageUnavailable = storage.ErrUnavailable

	// ErrDuplicateTitle means another credential already uses the title.
	ErrDuplicateTitle = errors.New("vault: title already exists")
	// ErrNotFound means the named credential, group or vault does not exist.
	ErrNotFound = errors.New("vault: not found")
	// ErrInvalidGroup means a credential references a group that does not exist.
	ErrInvalidGroup = errors.New("vault: group does not exist")
	// ErrInvalidCredentials covers a wrong secret and a missing vault alike.
	ErrInvalidCredentials = errors.New("vault: invalid credentials")
	// ErrAlreadyExists means a vault file is already present at the path.
	ErrAlreadyExists = errors.New("vault: vault already exists at this path")

	// ErrLocked is returned by every call on a session after Lock.
	ErrLocked = errors.New("vault: vault is locked")
	// ErrCooldownActive means unlock attempts are refused until the cooldown ends.
	ErrCooldownActive = errors.New("vault: cooldown period active")
	// ErrCorrupted means the vault file fails integrity, schema or decryption checks.
	ErrCorrupted = errors.New("vault: vault is corrupted")
)

// ErrDuplicateGroup is returned for group title collisions. It also matches
// ErrDuplicateTitle.
var ErrDuplicateGroup error = &duplicateGroupError{}

// Validation errors.
var (
	ErrMissingField   = errors.New("vault: required field is empty")                 // Title, username or password empty
	ErrTitleTooLong   = errors.New("vault: title too long")                          // Over MaxTitleLength
	ErrInvalidTags    = errors.New("vault: tags must be a single value")             // Tags contain a comma
	ErrTagTooLong     = errors.New("vault: tag too long")                            // Over MaxTagLength
	ErrNotesTooLarge  = errors.New("vault: notes too large")                         // Over MaxNotesSize
	ErrURLTooLong     = errors.New("vault: url too long")                            // Over MaxURLLength
	ErrPasswordTooBig = errors.New("vault: password too large")                      // Over MaxPasswordSize
	ErrWeakSecret     = errors.New("vault: vault secret does not meet requirements") // Fails password.ValidateSecret
)

type duplicateGroupError struct{}

func (*duplicateGroupError) Error() string { return "vault: group title already exists" }

func (*duplicateGroupError) Is(target error) bool { return target == ErrDuplicateTitle }

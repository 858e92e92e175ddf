package lifecycle

import "errors"

// Sentinel errors for lifecycle operations
var (
	// ErrInvalidAddress indicates a requested address that is not on the
	// configured mail domain or uses forbidden local-part characters.
	ErrInvalidAddress = errors.New("lifecycle: invalid address")

	// ErrAccountExists indicates the address is already taken, locally
	// or at the remote provider. No local record is created.
	ErrAccountExists = errors.New("lifecycle: account already exists")
)

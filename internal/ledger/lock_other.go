//go:build !unix

package ledger

import "os"

// Advisory locking is only implemented on unix; elsewhere deployments must
// not overlap invocations.
func lockFile(*os.File) error {
	return nil
}

func unlockFile(*os.File) error {
	return nil
}

package ssekeepio

// CheckUmask is a no-op on Windows, there is no umask.
func CheckUmask() error {
	return nil
}

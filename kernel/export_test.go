package kernel

// ResetEngineForTest clears the process-wide engine singleton so tests can
// exercise first-ever creation repeatedly.
func ResetEngineForTest() {
	engineMu.Lock()
	defer engineMu.Unlock()
	shared = nil
	sharedOut = nil
	sharedErr = nil
}

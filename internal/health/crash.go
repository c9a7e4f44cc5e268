package health

import "regexp"

// crashPatterns mirrors the monitor session's crash/reboot signal set,
// so both layers classify the same lines the same way.
var crashPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rst:0x[0-9a-f]+`),
	regexp.MustCompile(`Brownout detector`),
	regexp.MustCompile(`Backtrace:`),
	regexp.MustCompile(`Guru Meditation Error`),
	regexp.MustCompile(`CPU halted`),
	regexp.MustCompile(`panic`),
	regexp.MustCompile(`assert failed`),
	regexp.MustCompile(`(Load|Store|InstrFetch)Prohibited`),
	regexp.MustCompile(`IllegalInstruction`),
}

// rebootPatterns is the subset that specifically indicates the device
// itself rebooted, as opposed to a software fault observed mid-run.
var rebootPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rst:0x[0-9a-f]+`),
	regexp.MustCompile(`Brownout detector`),
	regexp.MustCompile(`CPU halted`),
}

func isCrashLine(line string) bool {
	for _, re := range crashPatterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

func isRebootLine(line string) bool {
	for _, re := range rebootPatterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

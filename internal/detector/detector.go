package detector

import (
	"fmt"

	gps "github.com/shirou/gopsutil/v4/process"
)

// PIDDetector detects by a provided PID number. When StartUnix is set the
// process start time must match it, which rejects a reused PID.
type PIDDetector struct {
	PID       int
	StartUnix int64
}

func (d PIDDetector) Alive() (bool, error) {
	if d.PID <= 0 {
		return false, nil
	}
	ok, err := gps.PidExists(int32(d.PID))
	if err != nil || !ok {
		return false, err
	}
	if d.StartUnix > 0 {
		if cur := getProcStartUnix(d.PID); cur > 0 && cur != d.StartUnix {
			return false, nil
		}
	}
	return true, nil
}

func (d PIDDetector) Describe() string { return fmt.Sprintf("pid:%d", d.PID) }

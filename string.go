package energy

import (
	"fmt"
	"time"
)

// Timestamp formats t as fractional Unix seconds with microsecond
// resolution, e.g. 1697040000.123456
func Timestamp(t time.Time) string {
	us := t.UnixMicro()
	return fmt.Sprintf("%d.%06d", us/1e6, us%1e6)
}

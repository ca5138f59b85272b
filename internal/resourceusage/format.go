package resourceusage

import "fmt"

func formatIOPs(reads, writes int64) string {
	return fmt.Sprintf("%d+%d", reads, writes)
}

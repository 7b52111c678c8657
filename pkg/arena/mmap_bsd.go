//go:build unix && !linux

package arena

const (
	mapHugeTLB  = 0
	mapPopulate = 0
)

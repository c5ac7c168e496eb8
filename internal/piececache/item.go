package piececache

import "time"

type item struct {
	index        uint32
	data         []byte
	lastAccessed time.Time
	// position in accessList
	pos   int
	timer *time.Timer
}

// accessList is a min-heap of items ordered by last access time.
type accessList []*item

func (l accessList) Len() int { return len(l) }

func (l accessList) Less(i, j int) bool {
	return l[i].lastAccessed.Before(l[j].lastAccessed)
}

func (l accessList) Swap(i, j int) {
	l[i], l[j] = l[j], l[i]
	l[i].pos = i
	l[j].pos = j
}

func (l *accessList) Push(x any) {
	i := x.(*item)
	i.pos = len(*l)
	*l = append(*l, i)
}

func (l *accessList) Pop() any {
	old := *l
	n := len(old)
	i := old[n-1]
	old[n-1] = nil
	i.pos = -1
	*l = old[:n-1]
	return i
}

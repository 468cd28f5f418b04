package session

import (
	"sync"
)

// ObservedSet is the insertion ordered set of buffer names the user asked
// to watch.
type ObservedSet struct {
	mutex sync.Mutex
	names []string
}

func NewObservedSet() *ObservedSet {
	return &ObservedSet{}
}

// Add returns false if the name was already observed.
func (set *ObservedSet) Add(name string) bool {
	set.mutex.Lock()
	defer set.mutex.Unlock()

	for _, observed := range set.names {
		if observed == name {
			return false
		}
	}

	set.names = append(set.names, name)
	return true
}

// Remove returns false if the name was not observed.
func (set *ObservedSet) Remove(name string) bool {
	set.mutex.Lock()
	defer set.mutex.Unlock()

	for idx, observed := range set.names {
		if observed == name {
			set.names = append(set.names[:idx], set.names[idx+1:]...)
			return true
		}
	}
	return false
}

func (set *ObservedSet) Contains(name string) bool {
	set.mutex.Lock()
	defer set.mutex.Unlock()

	for _, observed := range set.names {
		if observed == name {
			return true
		}
	}
	return false
}

func (set *ObservedSet) Names() []string {
	set.mutex.Lock()
	defer set.mutex.Unlock()

	return append([]string{}, set.names...)
}

func (set *ObservedSet) Len() int {
	set.mutex.Lock()
	defer set.mutex.Unlock()

	return len(set.names)
}

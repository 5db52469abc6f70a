package models

import (
	"math"
	"slices"
	"time"
)

// DefaultTopic is stored on grades recorded without a topic.
const DefaultTopic = "no topic"

// Grade bounds, inclusive.
const (
	MinGrade = 1
	MaxGrade = 5
)

// Teacher represents a teacher, keyed by name
type Teacher struct {
	Name         string    `json:"name"`
	Groups       []string  `json:"groups"` // Owned group codes, in creation order
	CreatedAt    time.Time `json:"createdAt"`
	LastModified time.Time `json:"lastModified"`
	LastSync     time.Time `json:"lastSync,omitempty"`
}

// HasGroup reports whether code is in the teacher's group list
func (t *Teacher) HasGroup(code string) bool {
	for _, c := range t.Groups {
		if c == code {
			return true
		}
	}
	return false
}

// Clone returns a deep copy
func (t *Teacher) Clone() *Teacher {
	if t == nil {
		return nil
	}
	c := *t
	c.Groups = append([]string{}, t.Groups...)
	return &c
}

// Group represents a class joined by students through its code
type Group struct {
	Code         string              `json:"code"`
	Name         string              `json:"name"`
	Teacher      string              `json:"teacher"` // Owning teacher's name
	Students     map[string]*Student `json:"students"`
	CreatedAt    time.Time           `json:"createdAt"`
	LastModified time.Time           `json:"lastModified"`
}

// Clone returns a deep copy
func (g *Group) Clone() *Group {
	if g == nil {
		return nil
	}
	c := *g
	c.Students = make(map[string]*Student, len(g.Students))
	for name, s := range g.Students {
		c.Students[name] = s.Clone()
	}
	return &c
}

// Student is a member of a single group, identified by name within it
type Student struct {
	Grades   []Grade   `json:"grades"`
	JoinedAt time.Time `json:"joinedAt"`
}

func (s *Student) Clone() *Student {
	if s == nil {
		return nil
	}
	c := *s
	c.Grades = append([]Grade{}, s.Grades...)
	return &c
}

// Average is the mean grade value rounded to two decimals, 0 without grades.
func (s *Student) Average() float64 {
	if len(s.Grades) == 0 {
		return 0
	}
	total := 0
	for _, g := range s.Grades {
		total += g.Value
	}
	avg := float64(total) / float64(len(s.Grades))
	return math.Round(avg*100) / 100
}

// Grade is immutable once recorded
type Grade struct {
	ID    string    `json:"id"`
	Value int       `json:"value"`
	Topic string    `json:"topic"`
	Date  time.Time `json:"date"`
}

// Snapshot is the whole dataset as persisted locally
type Snapshot struct {
	Teachers map[string]*Teacher `json:"teachers"`
	Groups   map[string]*Group   `json:"groups"`
}

// NewSnapshot returns an empty snapshot with non-nil maps
func NewSnapshot() Snapshot {
	return Snapshot{
		Teachers: map[string]*Teacher{},
		Groups:   map[string]*Group{},
	}
}

func (s Snapshot) IsEmpty() bool {
	return len(s.Teachers) == 0 && len(s.Groups) == 0
}

// PendingSyncType is the only kind of deferred remote write.
const PendingSyncType = "teacher_update"

// PendingSync is a deferred intent to push a teacher's records to remote.
// Deleted lists group codes the teacher removed that remote still has to drop.
type PendingSync struct {
	Type      string    `json:"type"`
	Teacher   string    `json:"teacher"`
	Timestamp time.Time `json:"timestamp"`
	Deleted   []string  `json:"deletedGroups,omitempty"`
}

// CompactPending folds the queue to one entry per teacher in first-seen
// order, each carrying the teacher's latest timestamp and every deleted code.
func CompactPending(queue []PendingSync) []PendingSync {
	index := make(map[string]int, len(queue))
	out := make([]PendingSync, 0, len(queue))
	for _, e := range queue {
		if i, ok := index[e.Teacher]; ok {
			if e.Timestamp.After(out[i].Timestamp) {
				out[i].Timestamp = e.Timestamp
			}
			out[i].Deleted = MergeCodes(out[i].Deleted, e.Deleted)
			continue
		}
		index[e.Teacher] = len(out)
		e.Deleted = MergeCodes(nil, e.Deleted)
		out = append(out, e)
	}
	return out
}

// MergeCodes appends the codes in add that base lacks. base is not modified.
func MergeCodes(base, add []string) []string {
	if len(add) == 0 {
		return base
	}
	out := append([]string(nil), base...)
	for _, code := range add {
		if !slices.Contains(out, code) {
			out = append(out, code)
		}
	}
	return out
}

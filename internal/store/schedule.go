package store

import (
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

var alarmsBucket = []byte("alarms")

// Schedule persists named alarm times so timers survive restarts.
type Schedule struct {
	db *bolt.DB
}

// NewSchedule creates or opens the alarms bucket.
func NewSchedule(db *bolt.DB) (*Schedule, error) {
	if err := ensureBuckets(db, alarmsBucket); err != nil {
		return nil, err
	}
	return &Schedule{db: db}, nil
}

// Alarm returns the time the named alarm is armed for, if armed.
func (s *Schedule) Alarm(name string) (time.Time, bool, error) {
	var (
		at    time.Time
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(alarmsBucket).Get([]byte(name))
		if data == nil {
			return nil
		}
		ms, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return err
		}
		at, found = time.UnixMilli(ms), true
		return nil
	})
	return at, found, err
}

// SetAlarm arms the named alarm for at.
func (s *Schedule) SetAlarm(name string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(alarmsBucket).Put([]byte(name), []byte(strconv.FormatInt(at.UnixMilli(), 10)))
	})
}

// ClearAlarm disarms the named alarm.
func (s *Schedule) ClearAlarm(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(alarmsBucket).Delete([]byte(name))
	})
}

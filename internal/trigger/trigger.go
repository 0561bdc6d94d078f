// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package trigger computes next fire times from a job's trigger type and
// trigger value.
package trigger

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tombee/jobmesh/internal/model"
)

// Layout accepted for ONCE and PERIOD start datetimes, alongside RFC3339.
const datetimeLayout = "2006-01-02 15:04:05"

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// periodValue is the JSON trigger value of PERIOD jobs: a fixed period
// anchored at a start datetime.
type periodValue struct {
	Start  string `json:"start"`
	Period string `json:"period"`
}

// Validate checks a trigger value against its type without computing a
// fire time.
func Validate(t model.TriggerType, value string) error {
	switch t {
	case model.TriggerTypeCron:
		_, err := cronParser.Parse(normalizeCron(value))
		return err
	case model.TriggerTypeOnce:
		_, err := parseDatetime(value)
		return err
	case model.TriggerTypePeriod:
		_, _, err := parsePeriod(value)
		return err
	case model.TriggerTypeFixedRate, model.TriggerTypeFixedDelay:
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		if d <= 0 {
			return fmt.Errorf("trigger: non-positive duration %q", value)
		}
		return nil
	case model.TriggerTypeDepend:
		ids, err := ParseDependValue(value)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return fmt.Errorf("trigger: empty depend parent list %q", value)
		}
		return nil
	default:
		return fmt.Errorf("trigger: unknown trigger type %v", t)
	}
}

// ComputeNext returns the first fire time strictly after the given anchor.
// For FIXED_RATE the anchor is the previous trigger time, for FIXED_DELAY
// the previous completion time. ok is false when the trigger never fires
// again (ONCE in the past, DEPEND).
func ComputeNext(t model.TriggerType, value string, after time.Time) (next time.Time, ok bool, err error) {
	switch t {
	case model.TriggerTypeCron:
		sched, err := cronParser.Parse(normalizeCron(value))
		if err != nil {
			return time.Time{}, false, err
		}
		return sched.Next(after), true, nil

	case model.TriggerTypeOnce:
		at, err := parseDatetime(value)
		if err != nil {
			return time.Time{}, false, err
		}
		if !at.After(after) {
			return time.Time{}, false, nil
		}
		return at, true, nil

	case model.TriggerTypePeriod:
		start, period, err := parsePeriod(value)
		if err != nil {
			return time.Time{}, false, err
		}
		if start.After(after) {
			return start, true, nil
		}
		// advance whole periods past the anchor
		elapsed := after.Sub(start)
		n := elapsed/period + 1
		return start.Add(n * period), true, nil

	case model.TriggerTypeFixedRate, model.TriggerTypeFixedDelay:
		d, err := time.ParseDuration(value)
		if err != nil {
			return time.Time{}, false, err
		}
		return after.Add(d), true, nil

	case model.TriggerTypeDepend:
		return time.Time{}, false, nil

	default:
		return time.Time{}, false, fmt.Errorf("trigger: unknown trigger type %v", t)
	}
}

// ParseDependValue parses the comma-separated parent job ids of a DEPEND
// trigger value, deduplicated in order.
func ParseDependValue(value string) ([]int64, error) {
	seen := make(map[int64]struct{})
	var ids []int64
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("trigger: invalid parent job id %q: %w", part, err)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

// normalizeCron maps Quartz-style expressions onto the supported syntax:
// '?' means "no specific value" and is equivalent to '*'; a 7th year field
// is dropped.
func normalizeCron(expr string) string {
	fields := strings.Fields(expr)
	if len(fields) == 7 {
		fields = fields[:6]
	}
	for i, f := range fields {
		if f == "?" {
			fields[i] = "*"
		}
	}
	return strings.Join(fields, " ")
}

func parseDatetime(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(datetimeLayout, value, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("trigger: invalid datetime %q", value)
	}
	return t, nil
}

func parsePeriod(value string) (time.Time, time.Duration, error) {
	var pv periodValue
	if err := json.Unmarshal([]byte(value), &pv); err != nil {
		return time.Time{}, 0, fmt.Errorf("trigger: invalid period value %q: %w", value, err)
	}
	start, err := parseDatetime(pv.Start)
	if err != nil {
		return time.Time{}, 0, err
	}
	period, err := time.ParseDuration(pv.Period)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("trigger: invalid period %q: %w", pv.Period, err)
	}
	if period <= 0 {
		return time.Time{}, 0, fmt.Errorf("trigger: non-positive period %q", pv.Period)
	}
	return start, period, nil
}

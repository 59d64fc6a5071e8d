package upstream

import (
	"context"
	"time"

	"rpacal/internal/recur"
	logx "rpacal/pkg/logx"
)

type ruleListResponse struct {
	TotalCount int          `json:"totalCount"`
	ListCount  int          `json:"listCount"`
	List       []ruleRecord `json:"list"`
}

type ruleRecord struct {
	ScheduleID  string `json:"scheduleId"`
	BotID       string `json:"botId"`
	BotName     string `json:"botName"`
	ProcessID   string `json:"processId"`
	ProcessName string `json:"processName"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`

	StartDatetime string `json:"startDatetime"`
	EndDatetime   string `json:"endDatetime"`

	FrequencyType      string `json:"frequencyType"`
	FrequencyInterval  int    `json:"frequencyInterval"`
	FrequencyCondition string `json:"frequencyCondition"`

	DurationMinutes int `json:"durationMinutes"`

	RepeatEnabled  bool `json:"repeatEnabled"`
	RepeatInterval int  `json:"repeatInterval"` // seconds
	RepeatCount    int  `json:"repeatCount"`
}

// ListScheduleRules fetches recurring schedule definitions active inside
// [start, end] and normalizes them into expansion rules. A rule with an
// unknown frequency token degrades to a one-shot rule instead of being
// dropped.
func (c *Client) ListScheduleRules(ctx context.Context, start, end time.Time) ([]recur.Rule, error) {
	var all []ruleRecord
	offset := 0
	for {
		req := listRequest{
			Offset: offset,
			Limit:  c.limit,
			Parameter: listParameter{
				StartDatetime: wireTime(start),
				EndDatetime:   wireTime(end),
			},
		}
		var resp ruleListResponse
		if err := c.post(ctx, "/schedules/list", req, &resp); err != nil {
			return nil, err
		}
		all = append(all, resp.List...)
		if len(resp.List) == 0 || len(all) >= resp.TotalCount || len(resp.List) < c.limit {
			break
		}
		offset = len(all)
	}

	rules := make([]recur.Rule, 0, len(all))
	for _, r := range all {
		st, ok := parseWireTime(r.StartDatetime)
		if !ok {
			c.log.Debug("rule skipped, missing start", logx.String("schedule_id", r.ScheduleID))
			continue
		}
		if r.BotID == "" && r.BotName == "" {
			c.log.Debug("rule skipped, missing bot identity", logx.String("schedule_id", r.ScheduleID))
			continue
		}

		freq, err := recur.ParseFrequency(r.FrequencyType)
		if err != nil {
			c.log.Warn("rule has unknown frequency, treating as one-shot",
				logx.String("schedule_id", r.ScheduleID),
				logx.String("frequency", r.FrequencyType))
		}

		until, _ := parseWireTime(r.EndDatetime)

		subject := r.Subject
		if subject == "" {
			subject = r.ProcessName
		}
		if subject == "" {
			subject = r.ScheduleID
		}

		rules = append(rules, recur.Rule{
			BotID:          r.BotID,
			BotName:        r.BotName,
			Subject:        subject,
			Body:           r.Body,
			ProcessID:      r.ProcessID,
			ProcessName:    r.ProcessName,
			Start:          st,
			Until:          until,
			Freq:           freq,
			Interval:       r.FrequencyInterval,
			Condition:      r.FrequencyCondition,
			Duration:       time.Duration(r.DurationMinutes) * time.Minute,
			RepeatEnabled:  r.RepeatEnabled,
			RepeatInterval: time.Duration(r.RepeatInterval) * time.Second,
			RepeatCount:    r.RepeatCount,
		})
	}
	return rules, nil
}

package upstream

import (
	"context"
	"time"

	"rpacal/internal/occurrence"
	logx "rpacal/pkg/logx"
)

type jobListResponse struct {
	TotalCount int         `json:"totalCount"`
	ListCount  int         `json:"listCount"`
	List       []jobRecord `json:"list"`
}

type jobRecord struct {
	JobID       string `json:"jobId"`
	BotID       string `json:"botId"`
	BotName     string `json:"botName"`
	ProcessID   string `json:"processId"`
	ProcessName string `json:"processName"`
	StartTime   string `json:"startTime"`
	EndTime     string `json:"endTime"`
}

// ListJobHistory fetches executed jobs overlapping [start, end] and
// normalizes them into occurrences. Records without a start timestamp or
// without any bot identity are dropped.
func (c *Client) ListJobHistory(ctx context.Context, start, end time.Time) ([]occurrence.Occurrence, error) {
	jobs, err := c.fetchJobs(ctx, start, end)
	if err != nil {
		return nil, err
	}

	out := make([]occurrence.Occurrence, 0, len(jobs))
	for _, j := range jobs {
		st, ok := parseWireTime(j.StartTime)
		if !ok {
			c.log.Debug("job skipped, missing start", logx.String("job_id", j.JobID))
			continue
		}
		if j.BotID == "" && j.BotName == "" {
			c.log.Debug("job skipped, missing bot identity", logx.String("job_id", j.JobID))
			continue
		}

		en, ok := parseWireTime(j.EndTime)
		if !ok || !en.After(st) {
			// Very short runs report no end; a minute keeps the entry visible.
			en = st.Add(time.Minute)
		}

		subject := j.ProcessName
		if subject == "" {
			subject = j.JobID
		}
		if subject == "" {
			subject = "untitled"
		}

		out = append(out, occurrence.Occurrence{
			BotID:       j.BotID,
			BotName:     j.BotName,
			Subject:     subject,
			Start:       st,
			End:         en,
			Body:        j.ProcessName,
			ProcessID:   j.ProcessID,
			ProcessName: j.ProcessName,
			Source:      occurrence.SourceHistory,
		})
	}
	return out, nil
}

// fetchJobs pages through /jobs/list until totalCount records were seen.
// Short or empty batches end the loop early rather than erroring.
func (c *Client) fetchJobs(ctx context.Context, start, end time.Time) ([]jobRecord, error) {
	var all []jobRecord
	offset := 0
	for {
		req := listRequest{
			Offset:  offset,
			Limit:   c.limit,
			OrderBy: "startTime desc",
			Parameter: listParameter{
				StartDatetime: wireTime(start),
				EndDatetime:   wireTime(end),
			},
		}
		var resp jobListResponse
		if err := c.post(ctx, "/jobs/list", req, &resp); err != nil {
			return nil, err
		}
		all = append(all, resp.List...)

		if len(resp.List) == 0 || len(all) >= resp.TotalCount || len(resp.List) < c.limit {
			return all, nil
		}
		offset = len(all)
	}
}

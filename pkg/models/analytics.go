package models

// ChannelStats aggregates step outcomes for one delivery channel.
type ChannelStats struct {
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Total returns the number of terminal step executions behind the stats.
func (c ChannelStats) Total() int {
	return c.Sent + c.Delivered + c.Failed + c.Skipped
}

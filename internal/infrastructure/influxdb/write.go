package influxdb

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/omnibox-core/internal/infrastructure/handlepool"
)

const (
	measurementUsage = "command_usage"
	measurementPool  = "handle_pool"
)

// WriteUsage records the new counter of a launched command. It satisfies
// usage.Metrics.
func (c *Client) WriteUsage(command string, uses int64) {
	c.write(usagePoint(c.instance, command, uses, time.Now()))
}

// WritePoolStats records the handle pool counters of one database, named
// by its file name.
func (c *Client) WritePoolStats(database string, counts handlepool.Counts) {
	c.write(poolPoint(c.instance, database, counts, time.Now()))
}

func (c *Client) write(p *write.Point) {
	if c.IsConnected() {
		c.writeAPI.WritePoint(p)
	}
}

// usagePoint keeps the command as a field: it is unbounded user input and
// would explode series cardinality as a tag.
func usagePoint(instance, command string, uses int64, ts time.Time) *write.Point {
	return influxdb2.NewPointWithMeasurement(measurementUsage).
		AddTag("instance", instance).
		AddField("command", command).
		AddField("uses", uses).
		SetTime(ts)
}

func poolPoint(instance, database string, counts handlepool.Counts, ts time.Time) *write.Point {
	return influxdb2.NewPointWithMeasurement(measurementPool).
		AddTag("instance", instance).
		AddTag("database", database).
		AddField("opened", counts.Opened).
		AddField("closed", counts.Closed).
		AddField("disposed", counts.Disposed).
		AddField("queued", counts.Queued).
		AddField("generation", counts.Generation).
		SetTime(ts)
}

// Package telemetry records payroll operation metrics.
package telemetry

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// Recorder receives operation measurements. Recording is best-effort and
// must never influence the outcome of the operation being measured.
type Recorder interface {
	Claim(recipient string, amount uint64, at time.Time)
	Deposit(from string, amount uint64, at time.Time)
	Reservation(principal string, amount uint64, at time.Time)
}

// Nop discards all measurements.
type Nop struct{}

func (Nop) Claim(string, uint64, time.Time)       {}
func (Nop) Deposit(string, uint64, time.Time)     {}
func (Nop) Reservation(string, uint64, time.Time) {}

// Influx writes measurements to InfluxDB using the non-blocking write API.
type Influx struct {
	client influxdb2.Client
	write  api.WriteAPI
}

// NewInflux connects a recorder to an InfluxDB bucket.
func NewInflux(url, token, org, bucket string) *Influx {
	client := influxdb2.NewClient(url, token)
	return &Influx{
		client: client,
		write:  client.WriteAPI(org, bucket),
	}
}

func (i *Influx) Claim(recipient string, amount uint64, at time.Time) {
	p := influxdb2.NewPoint("payroll_claim",
		map[string]string{"recipient": recipient},
		map[string]interface{}{"amount": int64(amount)},
		at)
	i.write.WritePoint(p)
}

func (i *Influx) Deposit(from string, amount uint64, at time.Time) {
	p := influxdb2.NewPoint("payroll_deposit",
		map[string]string{"from": from},
		map[string]interface{}{"amount": int64(amount)},
		at)
	i.write.WritePoint(p)
}

func (i *Influx) Reservation(principal string, amount uint64, at time.Time) {
	p := influxdb2.NewPoint("payroll_reservation",
		map[string]string{"principal": principal},
		map[string]interface{}{"amount": int64(amount)},
		at)
	i.write.WritePoint(p)
}

// Close flushes buffered points and shuts the client down.
func (i *Influx) Close() {
	i.write.Flush()
	i.client.Close()
}

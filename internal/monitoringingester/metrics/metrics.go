package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type (
	DBOperation  string
	MessageError string
)

const (
	DBOperationRead            DBOperation = "read"
	DBOperationInsert          DBOperation = "insert"
	DBOperationUpdate          DBOperation = "update"
	DBOperationCreateTempTable DBOperation = "create_temp_table"

	MessageErrorDeserialization MessageError = "deserialization"
	MessageErrorMalformed       MessageError = "malformed"
)

const MonitoringIngesterMetricsPrefix = "runmon_monitoring_ingester_"

var dbErrorsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MonitoringIngesterMetricsPrefix + "db_errors",
		Help: "Number of database errors grouped by database operation",
	},
	[]string{"operation"},
)

var messageErrorsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MonitoringIngesterMetricsPrefix + "message_errors",
		Help: "Number of rejected telemetry messages grouped by error type",
	},
	[]string{"error"},
)

var messagesReceivedCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MonitoringIngesterMetricsPrefix + "messages_received",
		Help: "Number of telemetry messages pulled off the ingress channels, by channel",
	},
	[]string{"channel"},
)

var rowsChangedCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MonitoringIngesterMetricsPrefix + "rows_changed",
		Help: "Number of rows changed in the database",
	},
	[]string{"table", "operation"},
)

var batchSizeHist = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    MonitoringIngesterMetricsPrefix + "batch_size",
		Help:    "Number of messages extracted per batch collector call",
		Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 100000},
	},
)

type Metrics struct{}

var m = &Metrics{}

func Get() *Metrics {
	return m
}

func (m *Metrics) RecordDBError(operation DBOperation) {
	dbErrorsCounter.With(map[string]string{"operation": string(operation)}).Inc()
}

func (m *Metrics) RecordMessageError(error MessageError) {
	messageErrorsCounter.With(map[string]string{"error": string(error)}).Inc()
}

func (m *Metrics) RecordMessageReceived(channel string) {
	messagesReceivedCounter.With(map[string]string{"channel": channel}).Inc()
}

func (m *Metrics) RecordRowsChange(table string, operation DBOperation, numRows int) {
	rowsChangedCounter.
		With(map[string]string{"table": table, "operation": string(operation)}).
		Add(float64(numRows))
}

func (m *Metrics) RecordBatchSize(size int) {
	batchSizeHist.Observe(float64(size))
}

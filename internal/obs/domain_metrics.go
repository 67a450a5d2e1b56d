package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// BillsSavedTotal counts persisted bills by the store that accepted them.
	BillsSavedTotal *prometheus.CounterVec
	// StorageFallbackTotal counts primary store failures that were served by the fallback.
	StorageFallbackTotal *prometheus.CounterVec
	// BillIDCollisionsTotal counts bill numbers regenerated after a collision.
	BillIDCollisionsTotal prometheus.Counter
	// InventoryUnderflowTotal counts decrements floored at zero.
	InventoryUnderflowTotal *prometheus.CounterVec
	// CorruptRecordsSkippedTotal counts stored entries skipped on load.
	CorruptRecordsSkippedTotal *prometheus.CounterVec
	// ReceiptDeliveriesTotal tracks receipt email outcomes.
	ReceiptDeliveriesTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers billing collectors.
// Until it is called the collectors are nil and callers skip recording.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		BillsSavedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bills_saved_total",
			Help:      "Count of persisted bills by store.",
		}, []string{"store"})
		StorageFallbackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_fallback_total",
			Help:      "Count of primary store failures served by the fallback store.",
		}, []string{"op"})
		BillIDCollisionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bill_id_collisions_total",
			Help:      "Number of bill numbers regenerated after a collision.",
		})
		InventoryUnderflowTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inventory_underflow_total",
			Help:      "Count of stock decrements floored at zero.",
		}, []string{"product"})
		CorruptRecordsSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_corrupt_records_skipped_total",
			Help:      "Count of stored entries skipped because they could not be decoded.",
		}, []string{"collection"})
		ReceiptDeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receipt_deliveries_total",
			Help:      "Count of receipt email delivery outcomes.",
		}, []string{"result"})

		mustRegisterCollector(reg, BillsSavedTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				BillsSavedTotal = v
			}
		})
		mustRegisterCollector(reg, StorageFallbackTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				StorageFallbackTotal = v
			}
		})
		mustRegisterCollector(reg, BillIDCollisionsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				BillIDCollisionsTotal = v
			}
		})
		mustRegisterCollector(reg, InventoryUnderflowTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				InventoryUnderflowTotal = v
			}
		})
		mustRegisterCollector(reg, CorruptRecordsSkippedTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				CorruptRecordsSkippedTotal = v
			}
		})
		mustRegisterCollector(reg, ReceiptDeliveriesTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				ReceiptDeliveriesTotal = v
			}
		})
	})
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}

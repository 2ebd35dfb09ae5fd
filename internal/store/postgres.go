package store

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/gridsense/gridsense/internal/timeseries"
	gserrors "github.com/gridsense/gridsense/pkg/errors"
)

// meterReading mirrors the readings table written by the ingestion service.
// Nullable measurement columns scan into pointers and convert to NaN.
type meterReading struct {
	Timestamp     time.Time `gorm:"column:ts;primaryKey"`
	ActivePower   *float64  `gorm:"column:global_active_power"`
	ReactivePower *float64  `gorm:"column:global_reactive_power"`
	Voltage       *float64  `gorm:"column:voltage"`
	Current       *float64  `gorm:"column:global_intensity"`
	SubMeter1     *float64  `gorm:"column:sub_metering_1"`
	SubMeter2     *float64  `gorm:"column:sub_metering_2"`
	SubMeter3     *float64  `gorm:"column:sub_metering_3"`
}

func (meterReading) TableName() string { return "meter_readings" }

// PostgresStore is the gorm-backed TimeSeriesStore adapter.
type PostgresStore struct {
	db     *gorm.DB
	logger *zap.SugaredLogger
}

// NewPostgresStore opens a pooled read-only connection to the readings
// database.
func NewPostgresStore(dsn string, maxOpenConns, maxIdleConns int, logger *zap.SugaredLogger) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, gserrors.Wrap(gserrors.KindDatabaseConnection, err, "open readings database")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, gserrors.Wrap(gserrors.KindDatabaseConnection, err, "access connection pool")
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return &PostgresStore{db: db, logger: logger}, nil
}

func (s *PostgresStore) GetWindow(ctx context.Context, start, end time.Time) (*timeseries.Window, error) {
	var rows []meterReading
	err := s.db.WithContext(ctx).
		Where("ts >= ? AND ts < ?", start, end).
		Order("ts ASC").
		Find(&rows).Error
	if err != nil {
		return nil, gserrors.Wrap(gserrors.KindDatabaseConnection, err, "query window %s..%s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return toWindow(rows), nil
}

func (s *PostgresStore) GetRecent(ctx context.Context, hours int) (*timeseries.Window, error) {
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)
	var rows []meterReading
	err := s.db.WithContext(ctx).
		Where("ts >= ?", cutoff).
		Order("ts ASC").
		Find(&rows).Error
	if err != nil {
		return nil, gserrors.Wrap(gserrors.KindDatabaseConnection, err, "query recent %dh", hours)
	}
	return toWindow(rows), nil
}

func (s *PostgresStore) GetLatestReading(ctx context.Context) (*timeseries.Record, error) {
	var row meterReading
	err := s.db.WithContext(ctx).Order("ts DESC").First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, gserrors.Wrap(gserrors.KindDatabaseConnection, err, "query latest reading")
	}
	rec := toRecord(row)
	return &rec, nil
}

func (s *PostgresStore) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.db.WithContext(ctx).Model(&meterReading{}).Count(&stats.TotalRecords).Error
	if err != nil {
		return Stats{}, gserrors.Wrap(gserrors.KindDatabaseConnection, err, "count readings")
	}
	if stats.TotalRecords == 0 {
		return stats, nil
	}
	type bounds struct {
		First time.Time
		Last  time.Time
	}
	var b bounds
	err = s.db.WithContext(ctx).Model(&meterReading{}).
		Select("MIN(ts) AS first, MAX(ts) AS last").
		Scan(&b).Error
	if err != nil {
		return Stats{}, gserrors.Wrap(gserrors.KindDatabaseConnection, err, "query reading bounds")
	}
	stats.FirstTimestamp = b.First
	stats.LastTimestamp = b.Last
	return stats, nil
}

func (s *PostgresStore) TestConnection(ctx context.Context) bool {
	sqlDB, err := s.db.DB()
	if err != nil {
		return false
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		if s.logger != nil {
			s.logger.Warnw("readings database unreachable", "error", err)
		}
		return false
	}
	return true
}

func toWindow(rows []meterReading) *timeseries.Window {
	records := make([]timeseries.Record, len(rows))
	for i, row := range rows {
		records[i] = toRecord(row)
	}
	return timeseries.NewWindow(records)
}

func toRecord(row meterReading) timeseries.Record {
	return timeseries.Record{
		Timestamp:     row.Timestamp,
		ActivePower:   deref(row.ActivePower),
		ReactivePower: deref(row.ReactivePower),
		Voltage:       deref(row.Voltage),
		Current:       deref(row.Current),
		SubMeter1:     deref(row.SubMeter1),
		SubMeter2:     deref(row.SubMeter2),
		SubMeter3:     deref(row.SubMeter3),
	}
}

func deref(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

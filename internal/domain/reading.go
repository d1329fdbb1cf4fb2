package domain

import "time"

// SamplingRateHz ECG 采样率（固定 250 Hz）
const SamplingRateHz = 250

// Reading ECG 读数（对应 ecg_readings 表）
// 一旦创建不可变；时长由波形长度推导
type Reading struct {
	ReadingID   string    `json:"reading_id" db:"reading_id"`
	UserID      string    `json:"user_id" db:"user_id"`
	Waveform    []float64 `json:"waveform" db:"waveform"` // JSONB，有序采样序列
	HeartRate   int       `json:"heart_rate" db:"heart_rate"`
	DurationSec int       `json:"duration_sec" db:"duration_sec"`
	RecordedAt  time.Time `json:"recorded_at" db:"recorded_at"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// WaveformDuration 波形时长（秒）= len(waveform) / 250
func WaveformDuration(waveform []float64) int {
	return len(waveform) / SamplingRateHz
}

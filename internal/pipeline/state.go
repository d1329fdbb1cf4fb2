package pipeline

// State 一条读数在升级管道中的阶段
// Ingested → Analyzed → {Suppressed | Escalated} → Dispatching → Dispatched
type State string

const (
	StateIngested    State = "ingested"    // 读数已持久化并入队
	StateAnalyzed    State = "analyzed"    // 分析结论已持久化
	StateSuppressed  State = "suppressed"  // 低于升级阈值，终态
	StateEscalated   State = "escalated"   // 报警已创建
	StateDispatching State = "dispatching" // 通知扇出进行中
	StateDispatched  State = "dispatched"  // 扇出落定（含零联系人空扇出），终态
)

package config

const pipelineModulePath = "cue.mod/module.cue"
const pipelineOverlayPath = "cue.mod/pkg/github.com/139QQ/Baostock-sub004/pipeline/pipeline.cue"

const pipelineModuleContent = `module: "github.com/139QQ/Baostock-sub004"
language: {
    version: "v0.12.0"
}
`

const pipelineOverlayContent = `package pipeline

#Duration: string

#Config: {
    name?: string
    workers?: int & >0
    transport_preference?: "" | "push" | "poll" | "on_demand"
    fetch_timeout?: #Duration
    logging?: #Logging
    telemetry?: #Telemetry
    live_view?: #LiveView
    hot_reload?: #HotReload
    strategies?: [...#Strategy]
    polling?: #Polling
    router?: #Router
    network?: #Network
    cache?: #Cache
    backpressure?: #Backpressure
    batch?: #Batch
}

#Logging: {
    level?: string
    format?: "text" | "json"
    loki?: {
        enabled?: bool
        url?: string
        labels?: {[string]: string}
    }
}

#Telemetry: {
    provider?: "" | "none" | "noop" | "prometheus"
}

#LiveView: {
    enabled?: bool
    listen?: string
}

#HotReload: {
    enabled?: bool
    interval?: #Duration
}

#Strategy: {
    id: string
    driver: string
    priority?: int
    family?: "" | "push" | "poll" | "on_demand"
    data_types: [...string]
    disabled?: bool
    settings?: _
}

#Polling: {
    tick?: #Duration
    tasks?: [...{
        data_type: string
        interval?: #Duration
        disabled?: bool
    }]
}

#Router: {
    weight_priority?: number
    weight_latency?: number
    weight_success?: number
    latency_horizon?: #Duration
    score_expression?: string
}

#Network: {
    probe_interval?: #Duration
    probe_timeout?: #Duration
    endpoints?: [...string]
    quality_threshold?: number
    stability_window?: int
    update_buffer?: int
}

#Cache: {
    default_ttl?: #Duration
    sweep_interval?: #Duration
}

#Backpressure: {
    memory_threshold?: number
    cpu_threshold?: number
    io_threshold?: number
    memory_weight?: number
    cpu_weight?: number
    io_weight?: number
    moderate_band?: number
    apply_threshold?: number
    high_band?: number
    base_rate?: number
    max_queue_size?: int
    priority_levels?: int
    history_size?: int
}

#Batch: {
    min_size?: int
    max_size?: int
    initial_size?: int
    target_throughput?: number
    target_error_rate?: number
    dead_band?: number
    history_size?: int
    max_retries?: int
    retry_delay?: #Duration
    chunk_timeout?: #Duration
}
`

func init() {
	RegisterDefaultOverlay(func() error {
		if err := RegisterOverlayString(pipelineModulePath, pipelineModuleContent); err != nil {
			return err
		}
		return RegisterOverlayString(pipelineOverlayPath, pipelineOverlayContent)
	})
}

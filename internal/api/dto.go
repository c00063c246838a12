package api

type StatusResponse struct {
	Session       string  `json:"session"`
	DeviceID      int     `json:"device_id"`
	Aborted       bool    `json:"aborted"`
	Kernels       int     `json:"kernels"`
	Tensors       int     `json:"tensors"`
	Channels      int     `json:"channels"`
	Version       string  `json:"version"`
	Commit        string  `json:"commit,omitempty"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

type KernelInfo struct {
	FuncID    int32  `json:"func_id"`
	Unit      string `json:"unit"`
	SizeBytes int    `json:"size_bytes"`
}

type KernelsResponse struct {
	Kernels []KernelInfo `json:"kernels"`
}

type TensorInfo struct {
	Name      string `json:"name"`
	Shape     []int  `json:"shape"`
	DType     string `json:"dtype"`
	Addr      uint64 `json:"addr"`
	SizeBytes int    `json:"size_bytes"`
	Lifetime  string `json:"lifetime"`
}

type TensorsResponse struct {
	Tensors []TensorInfo `json:"tensors"`
}

type ChannelInfo struct {
	Name     string `json:"name"`
	Capacity int    `json:"capacity"`
	Occupied int    `json:"occupied"`
	Producer string `json:"producer"`
	Consumer string `json:"consumer"`
}

type ChannelsResponse struct {
	Channels []ChannelInfo `json:"channels"`
}

package sdapi

// ProgressState carries the engine-side job bookkeeping returned by the
// progress endpoint.
type ProgressState struct {
	Skipped            bool   `json:"skipped"`
	Interrupted        bool   `json:"interrupted"`
	StoppingGeneration bool   `json:"stopping_generation"`
	Job                string `json:"job"`
	JobCount           int    `json:"job_count"`
	JobTimestamp       string `json:"job_timestamp"`
	JobNo              int    `json:"job_no"`
	SamplingStep       int    `json:"sampling_step"`
	SamplingSteps      int    `json:"sampling_steps"`
}

// ProgressInfo is the parsed response of the progress endpoint.
type ProgressInfo struct {
	Progress     float64       `json:"progress"`
	ETARelative  float64       `json:"eta_relative"`
	State        ProgressState `json:"state"`
	CurrentImage string        `json:"current_image,omitempty"`
	TextInfo     string        `json:"textinfo,omitempty"`
}

// UpscalerInfo describes an upscaler available on the engine.
type UpscalerInfo struct {
	Name      string  `json:"name"`
	ModelName string  `json:"model_name,omitempty"`
	ModelPath string  `json:"model_path,omitempty"`
	ModelURL  string  `json:"model_url,omitempty"`
	Scale     float64 `json:"scale"`
}

// ModelInfo describes a checkpoint available on the engine.
type ModelInfo struct {
	Title     string `json:"title"`
	ModelName string `json:"model_name"`
	Hash      string `json:"hash,omitempty"`
	SHA256    string `json:"sha256,omitempty"`
	Filename  string `json:"filename,omitempty"`
	Config    string `json:"config,omitempty"`
}

// SamplerInfo describes a sampler available on the engine.
type SamplerInfo struct {
	Name    string   `json:"name"`
	Aliases []string `json:"aliases"`
}

// SchedulerInfo describes a noise scheduler available on the engine.
type SchedulerInfo struct {
	Name  string `json:"name"`
	Label string `json:"label"`
}

// Img2ImgRequest is the payload for the first (tiled upscale) pass.
type Img2ImgRequest struct {
	InitImages        []string `json:"init_images"`
	Prompt            string   `json:"prompt"`
	NegativePrompt    string   `json:"negative_prompt"`
	ScriptName        string   `json:"script_name"`
	ScriptArgs        []any    `json:"script_args"`
	DenoisingStrength float64  `json:"denoising_strength"`
	Steps             int      `json:"steps"`
	SamplerName       string   `json:"sampler_name"`
	CfgScale          float64  `json:"cfg_scale"`
	Width             int      `json:"width"`
	Height            int      `json:"height"`
	BatchSize         int      `json:"batch_size"`
	SaveImages        bool     `json:"save_images"`
	Scheduler         string   `json:"scheduler"`
}

// Img2ImgResponse is the result of the first pass.
type Img2ImgResponse struct {
	Images []string `json:"images"`
	Info   string   `json:"info,omitempty"`
}

// ExtrasRequest is the payload for the second (single image enhancement) pass.
type ExtrasRequest struct {
	Image           string  `json:"image"`
	UpscalingResize float64 `json:"upscaling_resize"`
	Upscaler1       string  `json:"upscaler_1"`
	SaveImages      bool    `json:"save_images"`
}

// ExtrasResponse acknowledges the second pass. The engine persists the final
// artifact itself; the image field is informational only.
type ExtrasResponse struct {
	Image    string `json:"image,omitempty"`
	HTMLInfo string `json:"html_info,omitempty"`
}

// ProcessingConfig is the snapshot of processing parameters used to build
// both pass payloads.
type ProcessingConfig struct {
	Upscaler          string  `json:"upscaler"`
	ScaleFactor       float64 `json:"scale_factor"`
	DenoisingStrength float64 `json:"denoising_strength"`
	TileOverlap       int     `json:"tile_overlap"`
	Steps             int     `json:"steps"`
	SamplerName       string  `json:"sampler_name"`
	CfgScale          float64 `json:"cfg_scale"`
	Scheduler         string  `json:"scheduler"`
}

// DefaultProcessingConfig mirrors the stock engine parameters for a gentle
// two-pass upscale.
func DefaultProcessingConfig() ProcessingConfig {
	return ProcessingConfig{
		Upscaler:          "Lanczos",
		ScaleFactor:       2.5,
		DenoisingStrength: 0.15,
		TileOverlap:       64,
		Steps:             25,
		SamplerName:       "Euler a",
		CfgScale:          10,
		Scheduler:         "Automatic",
	}
}

// Img2ImgPayload builds the first-pass request around the given source image.
// The SD upscale script expects a leading empty argument before the tile
// overlap, upscaler name and scale factor.
func (c ProcessingConfig) Img2ImgPayload(initImages []string, prompt, negativePrompt string, width, height int) Img2ImgRequest {
	if width <= 0 {
		width = 512
	}
	if height <= 0 {
		height = 512
	}
	return Img2ImgRequest{
		InitImages:        initImages,
		Prompt:            prompt,
		NegativePrompt:    negativePrompt,
		ScriptName:        "SD upscale",
		ScriptArgs:        []any{"", c.TileOverlap, c.Upscaler, c.ScaleFactor},
		DenoisingStrength: c.DenoisingStrength,
		Steps:             c.Steps,
		SamplerName:       c.SamplerName,
		CfgScale:          c.CfgScale,
		Width:             width,
		Height:            height,
		BatchSize:         1,
		SaveImages:        false,
		Scheduler:         c.Scheduler,
	}
}

// ExtrasPayload builds the second-pass request from the first-pass output.
// The engine saves the result server-side, hence SaveImages is always on.
func (c ProcessingConfig) ExtrasPayload(image string, upscalingResize float64) ExtrasRequest {
	if upscalingResize <= 0 {
		upscalingResize = 1
	}
	return ExtrasRequest{
		Image:           image,
		UpscalingResize: upscalingResize,
		Upscaler1:       "None",
		SaveImages:      true,
	}
}

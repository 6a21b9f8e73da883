package conn

import "encoding/json"

// IdentifyOptions is the IDENTIFY command body. Caller-supplied values
// override the package defaults computed in New, except
// FeatureNegotiation, which New always sets to true.
type IdentifyOptions struct {
	ShortID             string `json:"short_id,omitempty"`
	LongID              string `json:"long_id,omitempty"`
	FeatureNegotiation  bool   `json:"feature_negotiation"`
	UserAgent           string `json:"user_agent,omitempty"`
	TLSv1               bool   `json:"tls_v1,omitempty"`
	Snappy              bool   `json:"snappy,omitempty"`
	Deflate             bool   `json:"deflate,omitempty"`
	DeflateLevel        int    `json:"deflate_level,omitempty"`
	HeartbeatIntervalMs int    `json:"heartbeat_interval,omitempty"`
	OutputBufferSize    int    `json:"output_buffer_size,omitempty"`
	SampleRate          int32  `json:"sample_rate,omitempty"`
}

// identifyResponse is the broker's negotiated feature set, parsed if the
// RESPONSE payload decodes as a JSON object; otherwise the broker is
// assumed to predate feature negotiation and the response is opaque OK.
type identifyResponse struct {
	MaxRdyCount  int64 `json:"max_rdy_count"`
	TLSv1        bool  `json:"tls_v1"`
	AuthRequired bool  `json:"auth_required"`
}

func parseIdentifyResponse(payload []byte) (*identifyResponse, bool) {
	var ir identifyResponse
	if err := json.Unmarshal(payload, &ir); err != nil {
		return nil, false
	}
	return &ir, true
}

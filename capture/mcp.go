package capture

import (
	"context"
	"fmt"
	"image"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/scrollshot/idgen"
	"github.com/hazyhaar/scrollshot/kit"
	"github.com/hazyhaar/scrollshot/refimage"
)

// RegisterMCP registers the capture tools on an MCP server.
func (o *Orchestrator) RegisterMCP(srv *mcp.Server) {
	o.registerCaptureTool(srv)
	o.registerAlignTool(srv)
	o.registerAnalyzeTool(srv)
}

// --- capture ---

type captureReq struct {
	JobID          string `json:"job_id"`
	PageURL        string `json:"page_url"`
	Reference      string `json:"reference"`
	ViewportWidth  int    `json:"viewport_width"`
	ViewportHeight int    `json:"viewport_height"`
}

func (o *Orchestrator) registerCaptureTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "scrollshot_capture",
		Description: "Capture the live page region matching a reference screenshot. Runs a stored job when only job_id is given.",
		InputSchema: kit.InputSchema(map[string]any{
			"job_id":          map[string]any{"type": "string", "description": "Stored job to run, or ID for an ad-hoc job"},
			"page_url":        map[string]any{"type": "string", "description": "Page to capture"},
			"reference":       map[string]any{"type": "string", "description": "Reference image path or URL"},
			"viewport_width":  map[string]any{"type": "integer", "description": "Viewport width in CSS pixels"},
			"viewport_height": map[string]any{"type": "integer", "description": "Viewport height in CSS pixels"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*captureReq)
		var res *Result
		if r.PageURL == "" {
			if r.JobID == "" {
				return nil, fmt.Errorf("job_id or page_url is required")
			}
			res = o.RunID(ctx, r.JobID)
		} else {
			job := Job{
				ID:             r.JobID,
				PageURL:        r.PageURL,
				Reference:      r.Reference,
				ViewportWidth:  r.ViewportWidth,
				ViewportHeight: r.ViewportHeight,
			}
			if job.ID == "" {
				job.ID = idgen.Prefixed("adhoc_", idgen.Default)()
			}
			res = o.Run(ctx, job)
		}
		return res, nil
	}

	kit.RegisterMCPTool(srv, tool, kit.Logging(o.logger, tool.Name)(endpoint), kit.DecodeJSON[captureReq]())
}

// --- align ---

type alignReq struct {
	FullPage  string `json:"full_page"`
	Reference string `json:"reference"`
}

func (o *Orchestrator) registerAlignTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "scrollshot_align",
		Description: "Find the vertical offset of a reference screenshot inside a full-page capture.",
		InputSchema: kit.InputSchema(map[string]any{
			"full_page": map[string]any{"type": "string", "description": "Full-page capture path or URL"},
			"reference": map[string]any{"type": "string", "description": "Reference image path or URL"},
		}, []string{"full_page", "reference"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*alignReq)
		full, err := o.decodeSource(ctx, r.FullPage)
		if err != nil {
			return nil, err
		}
		ref, err := o.decodeSource(ctx, r.Reference)
		if err != nil {
			return nil, err
		}
		return o.matcher.Match(ctx, full, ref)
	}

	kit.RegisterMCPTool(srv, tool, kit.Logging(o.logger, tool.Name)(endpoint), kit.DecodeJSON[alignReq]())
}

// --- analyze ---

type analyzeReq struct {
	Reference string `json:"reference"`
}

func (o *Orchestrator) registerAnalyzeTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "scrollshot_analyze_reference",
		Description: "Report the size of a reference screenshot and whether it shows the page top.",
		InputSchema: kit.InputSchema(map[string]any{
			"reference": map[string]any{"type": "string", "description": "Reference image path or URL"},
		}, []string{"reference"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*analyzeReq)
		data, err := o.loadRef(ctx, r.Reference)
		if err != nil {
			return nil, err
		}
		return o.analyzer.Analyze(data)
	}

	kit.RegisterMCPTool(srv, tool, kit.Logging(o.logger, tool.Name)(endpoint), kit.DecodeJSON[analyzeReq]())
}

func (o *Orchestrator) decodeSource(ctx context.Context, src string) (image.Image, error) {
	data, err := o.loadRef(ctx, src)
	if err != nil {
		return nil, err
	}
	img, _, err := refimage.Decode(data)
	if err != nil {
		return nil, err
	}
	return img, nil
}

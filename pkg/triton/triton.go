package triton

// Package triton runs a 3D detection model on a Triton Inference Server, using the
// KServe v2 REST protocol. The server owns the checkpoint format, so all we do
// is upload the checkpoint file, and exchange tensors as JSON.

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/cyclopcam/pcdetect/pkg/config"
	"github.com/cyclopcam/pcdetect/pkg/log"
	"github.com/cyclopcam/pcdetect/pkg/nn"
	"github.com/go-resty/resty/v2"
)

var ErrBadResponse = errors.New("Bad response from inference server")

// File override that replaces version 1 of the model with the uploaded checkpoint
const checkpointParam = "file:1/model.pt"

type Tensor struct {
	Name     string    `json:"name"`
	Shape    []int     `json:"shape,omitempty"`
	Datatype string    `json:"datatype,omitempty"`
	Data     []float64 `json:"data"`
}

type requestedOutput struct {
	Name string `json:"name"`
}

type inferRequest struct {
	Inputs  []Tensor          `json:"inputs"`
	Outputs []requestedOutput `json:"outputs"`
}

type inferResponse struct {
	ModelName string   `json:"model_name"`
	Outputs   []Tensor `json:"outputs"`
}

type loadRequest struct {
	Parameters map[string]string `json:"parameters"`
}

// Triton returns errors as {"error": "..."}
type errorResponse struct {
	Error string `json:"error"`
}

// Client is an nn.ObjectDetector that delegates to a Triton server
type Client struct {
	log  log.Log
	cfg  config.TritonConfig
	http *resty.Client
}

func NewClient(logger log.Log, cfg config.TritonConfig) *Client {
	logger = log.NewPrefixLogger(logger, "Triton:")
	r := resty.New().
		SetLogger(logger).
		SetBaseURL(cfg.URL).
		SetTimeout(cfg.Timeout)
	return &Client{
		log:  logger,
		cfg:  cfg,
		http: r,
	}
}

func (c *Client) Name() string {
	return "triton"
}

func (c *Client) modelPath(suffix string) string {
	return fmt.Sprintf("/v2/models/%v/%v", c.cfg.Model, suffix)
}

func checkResponse(resp *resty.Response, err error, what string) error {
	if err != nil {
		return fmt.Errorf("%v: %w", what, err)
	}
	if resp.IsError() {
		msg := resp.Status()
		if e, ok := resp.Error().(*errorResponse); ok && e.Error != "" {
			msg = e.Error
		}
		return fmt.Errorf("%w: %v: %v", ErrBadResponse, what, msg)
	}
	return nil
}

// LoadCheckpoint uploads the checkpoint, and asks the server to (re)load the model with it
func (c *Client) LoadCheckpoint(ctx context.Context, filename string) error {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	c.log.Infof("Loading %v into model %v (%v bytes)", filename, c.cfg.Model, len(raw))
	req := loadRequest{
		Parameters: map[string]string{
			checkpointParam: base64.StdEncoding.EncodeToString(raw),
		},
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(&req).
		SetError(&errorResponse{}).
		Post(fmt.Sprintf("/v2/repository/models/%v/load", c.cfg.Model))
	return checkResponse(resp, err, "load model")
}

// Prepare checks that the server reports the model as ready
func (c *Client) Prepare(ctx context.Context) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetError(&errorResponse{}).
		Get(c.modelPath("ready"))
	if err := checkResponse(resp, err, "model ready"); err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("%w: model %v is not ready (%v)", ErrBadResponse, c.cfg.Model, resp.Status())
	}
	return nil
}

// Infer sends the whole batch as a single [N, 5] tensor.
// Only batches of size 1 are supported, because the server returns one flat list of boxes.
func (c *Client) Infer(ctx context.Context, batch *nn.Batch) ([][]nn.Detection, error) {
	if batch.BatchSize != 1 {
		return nil, fmt.Errorf("Triton backend only supports a batch size of 1, not %v", batch.BatchSize)
	}
	data := make([]float64, len(batch.Points))
	for i, v := range batch.Points {
		data[i] = float64(v)
	}
	req := inferRequest{
		Inputs: []Tensor{
			{
				Name:     c.cfg.InputName,
				Shape:    []int{batch.NumPoints, nn.BatchColumns},
				Datatype: "FP32",
				Data:     data,
			},
		},
		Outputs: []requestedOutput{
			{Name: c.cfg.BoxesOutput},
			{Name: c.cfg.LabelsOutput},
			{Name: c.cfg.ScoresOutput},
		},
	}
	result := inferResponse{}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(&req).
		SetResult(&result).
		SetError(&errorResponse{}).
		Post(c.modelPath("infer"))
	if err := checkResponse(resp, err, "infer"); err != nil {
		return nil, err
	}
	dets, err := c.decodeDetections(&result)
	if err != nil {
		return nil, err
	}
	return [][]nn.Detection{dets}, nil
}

func findOutput(outputs []Tensor, name string) *Tensor {
	for i := range outputs {
		if outputs[i].Name == name {
			return &outputs[i]
		}
	}
	return nil
}

func (c *Client) decodeDetections(r *inferResponse) ([]nn.Detection, error) {
	boxes := findOutput(r.Outputs, c.cfg.BoxesOutput)
	labels := findOutput(r.Outputs, c.cfg.LabelsOutput)
	scores := findOutput(r.Outputs, c.cfg.ScoresOutput)
	if boxes == nil || labels == nil || scores == nil {
		return nil, fmt.Errorf("%w: missing one of outputs %v, %v, %v", ErrBadResponse, c.cfg.BoxesOutput, c.cfg.LabelsOutput, c.cfg.ScoresOutput)
	}
	if boxes.Datatype != "FP32" || scores.Datatype != "FP32" {
		return nil, fmt.Errorf("%w: boxes and scores must be FP32, not %v and %v", ErrBadResponse, boxes.Datatype, scores.Datatype)
	}
	if labels.Datatype != "INT32" && labels.Datatype != "INT64" {
		return nil, fmt.Errorf("%w: labels must be INT32 or INT64, not %v", ErrBadResponse, labels.Datatype)
	}
	n := len(labels.Data)
	if len(boxes.Shape) != 2 || boxes.Shape[1] != nn.BoxParams {
		return nil, fmt.Errorf("%w: boxes have shape %v, expected [%v, %v]", ErrBadResponse, boxes.Shape, n, nn.BoxParams)
	}
	if boxes.Shape[0] != n || len(boxes.Data) != n*nn.BoxParams || len(scores.Data) != n {
		return nil, fmt.Errorf("%w: %v labels, %v scores, %v box values", ErrBadResponse, n, len(scores.Data), len(boxes.Data))
	}
	dets := make([]nn.Detection, n)
	for i := 0; i < n; i++ {
		dets[i].Label = int(labels.Data[i])
		dets[i].Score = float32(scores.Data[i])
		for j := 0; j < nn.BoxParams; j++ {
			dets[i].Box[j] = float32(boxes.Data[i*nn.BoxParams+j])
		}
	}
	return dets, nil
}

func (c *Client) Close() {
}

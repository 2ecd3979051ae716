package session

import (
	"fmt"
	"strings"

	"github.com/danmuck/meshctl/internal/protocol/frame"
	"github.com/danmuck/meshctl/internal/protocol/schema"
	"github.com/danmuck/meshctl/internal/protocol/tlv"
)

// Header is one HTTP header pair. Repeats are allowed and order is kept.
type Header struct {
	Key   string
	Value string
}

// Request is one forwarded HTTP call.
type Request struct {
	ID          string
	Principal   string
	Method      string
	Path        string
	Query       string
	Headers     []Header
	Body        []byte
	ContentType string
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("request missing correlation id")
	}
	if strings.TrimSpace(r.Method) == "" {
		return fmt.Errorf("request missing method")
	}
	if strings.TrimSpace(r.Path) == "" {
		return fmt.Errorf("request missing path")
	}
	return nil
}

// Response answers the Request with the same ID.
type Response struct {
	ID          string
	Status      uint32
	Headers     []Header
	Body        []byte
	ContentType string
}

func (r Response) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("response missing correlation id")
	}
	if r.Status == 0 {
		return fmt.Errorf("response missing status")
	}
	return nil
}

// Header returns the first value for key, case-insensitively.
func (r Response) Header(key string) string {
	return lookup(r.Headers, key)
}

// Header returns the first value for key, case-insensitively.
func (r Request) Header(key string) string {
	return lookup(r.Headers, key)
}

func RequestFrame(messageID uint64, req Request) (frame.Frame, error) {
	if err := req.Validate(); err != nil {
		return frame.Frame{}, err
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldCorrelationID, req.ID),
		tlv.String(schema.FieldMethod, req.Method),
		tlv.String(schema.FieldPath, req.Path),
	}
	if req.Query != "" {
		fields = append(fields, tlv.String(schema.FieldQuery, req.Query))
	}
	fields = appendCommon(fields, req.Headers, req.Body, req.ContentType)
	if err := schema.Validate(schema.MsgRequest, fields); err != nil {
		return frame.Frame{}, err
	}
	f := frame.Frame{
		Header: frame.Header{
			MessageID:   messageID,
			MessageType: schema.MsgRequest,
		},
		Payload: tlv.EncodeFields(fields),
	}
	if req.Principal != "" {
		f.Auth = []byte(req.Principal)
	}
	return f, nil
}

func EncodeRequestFrame(messageID uint64, req Request) ([]byte, error) {
	f, err := RequestFrame(messageID, req)
	if err != nil {
		return nil, err
	}
	return frame.Encode(f, frame.DefaultLimits())
}

func DecodeRequestFrame(f frame.Frame) (Request, error) {
	if f.Header.MessageType != schema.MsgRequest {
		return Request{}, fmt.Errorf("session: expected request frame, got message_type=%d", f.Header.MessageType)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Request{}, err
	}
	if err := schema.Validate(schema.MsgRequest, fields); err != nil {
		return Request{}, err
	}
	headers, err := decodeHeaders(fields)
	if err != nil {
		return Request{}, err
	}
	req := Request{
		ID:          tlv.StringField(fields, schema.FieldCorrelationID),
		Method:      tlv.StringField(fields, schema.FieldMethod),
		Path:        tlv.StringField(fields, schema.FieldPath),
		Query:       tlv.StringField(fields, schema.FieldQuery),
		ContentType: tlv.StringField(fields, schema.FieldContentType),
		Headers:     headers,
		Body:        bodyOf(fields),
	}
	if f.Header.Flags&frame.FlagHasAuth != 0 {
		req.Principal = string(f.Auth)
	}
	return req, nil
}

func ResponseFrame(messageID uint64, resp Response) (frame.Frame, error) {
	if err := resp.Validate(); err != nil {
		return frame.Frame{}, err
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldCorrelationID, resp.ID),
		tlv.U32(schema.FieldStatus, resp.Status),
	}
	fields = appendCommon(fields, resp.Headers, resp.Body, resp.ContentType)
	if err := schema.Validate(schema.MsgResponse, fields); err != nil {
		return frame.Frame{}, err
	}
	flags := frame.FlagIsResponse
	if resp.Status >= 400 {
		flags |= frame.FlagIsError
	}
	return frame.Frame{
		Header: frame.Header{
			MessageID:   messageID,
			MessageType: schema.MsgResponse,
			Flags:       flags,
		},
		Payload: tlv.EncodeFields(fields),
	}, nil
}

func EncodeResponseFrame(messageID uint64, resp Response) ([]byte, error) {
	f, err := ResponseFrame(messageID, resp)
	if err != nil {
		return nil, err
	}
	return frame.Encode(f, frame.DefaultLimits())
}

func DecodeResponseFrame(f frame.Frame) (Response, error) {
	if f.Header.MessageType != schema.MsgResponse {
		return Response{}, fmt.Errorf("session: expected response frame, got message_type=%d", f.Header.MessageType)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Response{}, err
	}
	if err := schema.Validate(schema.MsgResponse, fields); err != nil {
		return Response{}, err
	}
	statusField, _ := tlv.GetField(fields, schema.FieldStatus)
	status, err := tlv.U32FromBytes(statusField.Value)
	if err != nil {
		return Response{}, err
	}
	headers, err := decodeHeaders(fields)
	if err != nil {
		return Response{}, err
	}
	return Response{
		ID:          tlv.StringField(fields, schema.FieldCorrelationID),
		Status:      status,
		Headers:     headers,
		Body:        bodyOf(fields),
		ContentType: tlv.StringField(fields, schema.FieldContentType),
	}, nil
}

func appendCommon(fields []tlv.Field, headers []Header, body []byte, contentType string) []tlv.Field {
	for _, h := range headers {
		fields = append(fields, tlv.Nested(schema.FieldHeader, []tlv.Field{
			tlv.String(schema.FieldHeaderKey, h.Key),
			tlv.String(schema.FieldHeaderValue, h.Value),
		}))
	}
	if len(body) > 0 {
		fields = append(fields, tlv.Bytes(schema.FieldBody, body))
	}
	if contentType != "" {
		fields = append(fields, tlv.String(schema.FieldContentType, contentType))
	}
	return fields
}

func decodeHeaders(fields []tlv.Field) ([]Header, error) {
	raw := tlv.GetFields(fields, schema.FieldHeader)
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]Header, 0, len(raw))
	for _, f := range raw {
		inner, err := tlv.DecodeFields(f.Value)
		if err != nil {
			return nil, fmt.Errorf("session: header field: %w", err)
		}
		out = append(out, Header{
			Key:   tlv.StringField(inner, schema.FieldHeaderKey),
			Value: tlv.StringField(inner, schema.FieldHeaderValue),
		})
	}
	return out, nil
}

func bodyOf(fields []tlv.Field) []byte {
	f, ok := tlv.GetField(fields, schema.FieldBody)
	if !ok {
		return nil
	}
	return f.Value
}

func lookup(headers []Header, key string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Key, key) {
			return h.Value
		}
	}
	return ""
}

package hl7v2

import (
	"fmt"
	"time"
)

// Query message types understood by GenerateQBP.
const (
	QueryPDQ  = "QBP^Q22^QBP_Q21"
	QueryPDQV = "QBP^ZV1^QBP_Q21"
)

// QueryParam is one QPD-3 repetition: a field location and the value sought.
type QueryParam struct {
	Code  string `json:"code"`
	Value string `json:"value"`
}

// QueryRequest describes a patient demographics query to generate.
type QueryRequest struct {
	MessageType  string       `json:"messageType"`
	SendingApp   string       `json:"sendingApp"`
	SendingFac   string       `json:"sendingFac"`
	ReceivingApp string       `json:"receivingApp"`
	ReceivingFac string       `json:"receivingFac"`
	ControlID    string       `json:"controlId"`
	QueryTag     string       `json:"queryTag"`
	Params       []QueryParam `json:"params"`
}

// GenerateQBP builds a QBP^Q22 or QBP^ZV1 query message.
func GenerateQBP(req QueryRequest) ([]byte, error) {
	var queryName string
	switch req.MessageType {
	case "", QueryPDQ:
		req.MessageType = QueryPDQ
		queryName = "IHE PDQ Query"
	case QueryPDQV:
		queryName = "IHE PDQV Query"
	default:
		return nil, fmt.Errorf("hl7v2: unsupported query type %q", req.MessageType)
	}

	now := time.Now().UTC()
	if req.ControlID == "" {
		req.ControlID = fmt.Sprintf("QRY%s", now.Format("20060102150405.000"))
	}
	if req.QueryTag == "" {
		req.QueryTag = req.ControlID
	}

	b := NewBuilder()
	WriteMSH(b, Header{
		SendingApp:   req.SendingApp,
		SendingFac:   req.SendingFac,
		ReceivingApp: req.ReceivingApp,
		ReceivingFac: req.ReceivingFac,
		Timestamp:    now,
		MessageType:  req.MessageType,
		ControlID:    req.ControlID,
	})

	qpd := b.Segment("QPD").
		SetComponent(1, 1, queryName).
		SetField(2, req.QueryTag)
	for i, p := range req.Params {
		qpd.SetRepetition(FieldPath{Field: 3, Component: 1}, i+1, p.Code)
		qpd.SetRepetition(FieldPath{Field: 3, Component: 2}, i+1, p.Value)
	}

	b.Segment("RCP").SetField(1, "I")
	return b.Bytes(), nil
}

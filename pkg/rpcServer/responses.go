package rpcServer

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sovads/ledger/pkg/errs"
	"go.uber.org/zap"
)

type errorResponse struct {
	Success bool      `json:"success"`
	Error   string    `json:"error"`
	Kind    errs.Kind `json:"kind"`
	EventId string    `json:"eventId,omitempty"`
	TxHash  string    `json:"txHash,omitempty"`
	// Data carries the record left behind by a pending operation.
	Data any `json:"data,omitempty"`
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind errs.Kind) int {
	switch kind {
	case errs.Kind_Malformed:
		return http.StatusBadRequest
	case errs.Kind_InvalidSignature, errs.Kind_Expired, errs.Kind_Unauthorized:
		return http.StatusUnauthorized
	case errs.Kind_NotFound, errs.Kind_CampaignInactive:
		return http.StatusNotFound
	case errs.Kind_Duplicate, errs.Kind_TreasuryInsufficient:
		return http.StatusConflict
	case errs.Kind_RateLimited:
		return http.StatusTooManyRequests
	case errs.Kind_InsufficientAccrual:
		return http.StatusUnprocessableEntity
	case errs.Kind_ReconciliationPending:
		return http.StatusAccepted
	case errs.Kind_OnChainCallFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

type trackResponse struct {
	Success    bool   `json:"success"`
	EventId    string `json:"eventId"`
	Type       string `json:"type"`
	CampaignId string `json:"campaignId"`
	SiteId     string `json:"siteId"`
	Timestamp  int64  `json:"timestamp"`
}

func respondOk(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

// respondTracked writes the flat {success, eventId} body the tracking SDK reads.
func respondTracked(c *gin.Context, res *trackResponse) {
	res.Success = true
	c.JSON(http.StatusOK, res)
}

func (rpc *RpcServer) respondError(c *gin.Context, err error) {
	rpc.respondErrorWithData(c, err, nil)
}

func (rpc *RpcServer) respondErrorWithData(c *gin.Context, err error, data any) {
	kind := errs.KindOf(err)
	res := &errorResponse{
		Success: false,
		Error:   err.Error(),
		Kind:    kind,
		Data:    data,
	}
	if e, ok := errs.As(err); ok {
		res.Error = e.Message
		res.EventId = e.EventId
		res.TxHash = e.TxHash
	}

	status := StatusFor(kind)
	if status == http.StatusInternalServerError {
		rpc.Logger.Sugar().Errorw("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		res.Error = "internal server error"
	}
	c.AbortWithStatusJSON(status, res)
}

func (rpc *RpcServer) malformed(c *gin.Context, err error) {
	rpc.respondError(c, errs.Wrap(errs.Kind_Malformed, err, "invalid request"))
}

func (rpc *RpcServer) notFound(c *gin.Context, format string, args ...any) {
	rpc.respondError(c, errs.Newf(errs.Kind_NotFound, format, args...))
}

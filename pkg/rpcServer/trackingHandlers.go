package rpcServer

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sovads/ledger/pkg/adServing"
	"github.com/sovads/ledger/pkg/ingestion"
)

const maxTrackBodyBytes = 64 << 10

// TrackEvent admits one impression or click from the browser SDK.
func (rpc *RpcServer) TrackEvent(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxTrackBodyBytes))
	if err != nil {
		rpc.malformed(c, err)
		return
	}

	event, err := rpc.pipeline.AdmitEvent(c.Request.Context(), &ingestion.Request{
		Body:      body,
		IpAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		rpc.respondError(c, err)
		return
	}
	respondTracked(c, &trackResponse{
		EventId:    event.Id,
		Type:       string(event.Type),
		CampaignId: event.CampaignId,
		SiteId:     event.SiteId,
		Timestamp:  event.TimestampMs,
	})
}

func (rpc *RpcServer) SelectAd(c *gin.Context) {
	ad, err := rpc.adServer.SelectAd(c.Request.Context(), c.Query("siteId"), adServing.Filters{
		Placement: c.Query("placement"),
		Size:      c.Query("size"),
		Location:  c.Query("location"),
	})
	if err != nil {
		rpc.respondError(c, err)
		return
	}
	respondOk(c, http.StatusOK, ad)
}

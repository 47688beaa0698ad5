// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/BoostyLabs/runemarket/market"
)

// Response is the envelope of every API response.
type Response struct {
	Code            int     `json:"code"`
	Error           bool    `json:"error"`
	Message         string  `json:"message,omitempty"`
	Data            any     `json:"data"`
	InvalidOfferIDs []int64 `json:"invalid_offer_ids,omitempty"`
}

type createOfferRequest struct {
	PSBT      string `json:"psbt"`
	Address   string `json:"address" binding:"required"`
	RuneID    string `json:"rune_id" binding:"required"`
	UnitPrice string `json:"unit_price" binding:"required"`
}

type createOfferResponse struct {
	OfferID int64  `json:"offer_id"`
	Bid     string `json:"bid"`
}

type deleteOffersRequest struct {
	IDs       []int64 `json:"ids" binding:"required,min=1"`
	Signature string  `json:"signature" binding:"required"`
}

type deleteOffersResponse struct {
	OK  bool    `json:"ok"`
	IDs []int64 `json:"ids"`
}

type checkOffersRequest struct {
	IDs []int64 `json:"ids" binding:"required,min=1"`
}

type checkOffersResponse struct {
	IDs []int64 `json:"ids"`
}

type prepareOrderRequest struct {
	OfferIDs     []int64 `json:"offer_ids" binding:"required,min=1"`
	Buyer        string  `json:"buyer" binding:"required"`
	BuyerPubKey  string  `json:"buyer_pubkey"`
	ItemReceiver string   `json:"item_receiver" binding:"required"`
	FeeRate      int64    `json:"fee_rate" binding:"required"`
	PaddingUTXOs []string `json:"padding_utxos"`
}

type prepareOrderResponse struct {
	PSBT             string  `json:"psbt"`
	SignIndexes      []int   `json:"sign_indexes"`
	Fee              int64   `json:"fee"`
	ServiceFee       int64   `json:"service_fee"`
	OfferIDs         []int64 `json:"offer_ids"`
	SplitPSBT        string  `json:"split_psbt,omitempty"`
	SplitSignIndexes []int   `json:"split_sign_indexes,omitempty"`
	SplitFee         int64   `json:"split_fee,omitempty"`
}

type createOrderRequest struct {
	PSBT         string  `json:"psbt"`
	Buyer        string  `json:"buyer" binding:"required"`
	ItemReceiver string  `json:"item_receiver" binding:"required"`
	SignIndexes  []int   `json:"sign_indexs" binding:"required,min=1"`
	OfferIDs     []int64 `json:"offer_ids" binding:"required,min=1"`
	SplitPSBT    string  `json:"split_psbt"`
}

type createOrderResponse struct {
	TxID     string  `json:"txid"`
	OfferIDs []int64 `json:"offer_ids"`
}

type healthResponse struct {
	Height int64 `json:"height"`
}

func (s *Server) createOffer(c *gin.Context) {
	var req createOfferRequest
	if !bind(c, &req) {
		return
	}

	offer, err := s.market.CreateOffer(c.Request.Context(), market.CreateOfferRequest{
		PSBT:      req.PSBT,
		Address:   req.Address,
		RuneID:    req.RuneID,
		UnitPrice: req.UnitPrice,
	})
	if err != nil {
		fail(c, err)
		return
	}

	ok(c, createOfferResponse{OfferID: offer.ID, Bid: offer.Bid})
}

func (s *Server) deleteOffers(c *gin.Context) {
	var req deleteOffersRequest
	if !bind(c, &req) {
		return
	}

	ids, err := s.market.UnlistOffers(c.Request.Context(), req.IDs, req.Signature)
	if err != nil {
		fail(c, err)
		return
	}

	ok(c, deleteOffersResponse{OK: true, IDs: ids})
}

func (s *Server) checkOffers(c *gin.Context) {
	var req checkOffersRequest
	if !bind(c, &req) {
		return
	}

	ids, err := s.market.CheckOffers(c.Request.Context(), req.IDs)
	if err != nil {
		fail(c, err)
		return
	}
	if ids == nil {
		ids = []int64{}
	}

	ok(c, checkOffersResponse{IDs: ids})
}

func (s *Server) prepareOrder(c *gin.Context) {
	var req prepareOrderRequest
	if !bind(c, &req) {
		return
	}

	prepared, err := s.market.PrepareSettlement(c.Request.Context(), market.PrepareSettlementRequest{
		OfferIDs:        req.OfferIDs,
		BuyerAddress:    req.Buyer,
		BuyerPubKey:     req.BuyerPubKey,
		ReceiverAddress: req.ItemReceiver,
		FeeRate:         req.FeeRate,
		PaddingUTXOs:    req.PaddingUTXOs,
	})
	if err != nil {
		fail(c, err)
		return
	}

	ok(c, prepareOrderResponse{
		PSBT:             prepared.PSBT,
		SignIndexes:      prepared.SignIndexes,
		Fee:              prepared.Fee,
		ServiceFee:       prepared.ServiceFee,
		OfferIDs:         prepared.OfferIDs,
		SplitPSBT:        prepared.SplitPSBT,
		SplitSignIndexes: prepared.SplitSignIndexes,
		SplitFee:         prepared.SplitFee,
	})
}

func (s *Server) createOrder(c *gin.Context) {
	var req createOrderRequest
	if !bind(c, &req) {
		return
	}

	submitted, err := s.market.SubmitSettlement(c.Request.Context(), market.SubmitSettlementRequest{
		PSBT:            req.PSBT,
		BuyerAddress:    req.Buyer,
		ReceiverAddress: req.ItemReceiver,
		SignIndexes:     req.SignIndexes,
		OfferIDs:        req.OfferIDs,
		SplitPSBT:       req.SplitPSBT,
	})
	if err != nil {
		fail(c, err)
		return
	}

	ok(c, createOrderResponse{TxID: submitted.TxID, OfferIDs: submitted.OfferIDs})
}

func (s *Server) health(c *gin.Context) {
	height, err := s.market.TipHeight(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}

	ok(c, healthResponse{Height: height})
}

// bind decodes JSON body into req, malformed body is answered with validation code.
func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusOK, Response{
			Code:    CodeValidation,
			Error:   true,
			Message: err.Error(),
		})
		return false
	}

	return true
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{Code: CodeOK, Data: data})
}

func fail(c *gin.Context, err error) {
	_ = c.Error(err)

	code := errorCode(err)
	message := err.Error()
	if code == CodeInternal {
		log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
		message = "internal error"
	}

	c.JSON(http.StatusOK, Response{
		Code:            code,
		Error:           true,
		Message:         message,
		InvalidOfferIDs: market.InvalidOfferIDs(err),
	})
}

package restclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/arkade-os/batch-settler/internal/core/domain"
	"github.com/arkade-os/batch-settler/internal/core/ports"
	"github.com/arkade-os/batch-settler/pkg/ark-lib/tree"
	log "github.com/sirupsen/logrus"
)

var ErrConnectionClosedByServer = fmt.Errorf("connection closed by server")

const defaultRequestTimeout = 15 * time.Second

type restClient struct {
	serverURL      string
	httpClient     *http.Client
	streamClient   *http.Client
	requestTimeout time.Duration
}

func NewClient(serverURL string) (ports.TransportClient, error) {
	if len(serverURL) <= 0 {
		return nil, fmt.Errorf("missing server url")
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %s", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url scheme %s", u.Scheme)
	}

	return &restClient{
		serverURL:      strings.TrimSuffix(u.String(), "/"),
		httpClient:     &http.Client{},
		streamClient:   &http.Client{Timeout: 0},
		requestTimeout: defaultRequestTimeout,
	}, nil
}

func (c *restClient) GetInfo(ctx context.Context) (*ports.ServerInfo, error) {
	resp := infoResponse{}
	if err := c.do(ctx, http.MethodGet, "/v1/info", nil, &resp); err != nil {
		return nil, err
	}

	fees := ports.FeeInfo{}
	if resp.Fees != nil {
		fees.IntentFees = resp.Fees.IntentFee
		if resp.Fees.TxFeeRate != "" {
			feeRate, err := strconv.ParseFloat(resp.Fees.TxFeeRate, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid tx fee rate %s", resp.Fees.TxFeeRate)
			}
			fees.TxFeeRate = feeRate
		}
	}

	return &ports.ServerInfo{
		Version:             resp.Version,
		Network:             resp.Network,
		SignerPubkey:        resp.SignerPubkey,
		ForfeitPubkey:       resp.ForfeitPubkey,
		ForfeitAddress:      resp.ForfeitAddress,
		CheckpointTapscript: resp.CheckpointTapscript,
		DustLimit:           uint64(resp.Dust),
		UnilateralExitDelay: int64(resp.UnilateralExitDelay),
		BoardingExitDelay:   int64(resp.BoardingExitDelay),
		SessionDuration:     int64(resp.SessionDuration),
		UtxoMinAmount:       int64(resp.UtxoMinAmount),
		UtxoMaxAmount:       int64(resp.UtxoMaxAmount),
		VtxoMinAmount:       int64(resp.VtxoMinAmount),
		VtxoMaxAmount:       int64(resp.VtxoMaxAmount),
		Fees:                fees,
	}, nil
}

func (c *restClient) RegisterIntent(ctx context.Context, proof, message string) (string, error) {
	req := intentRequest{Intent: intentMessage{Proof: proof, Message: message}}
	resp := registerIntentResponse{}
	if err := c.do(ctx, http.MethodPost, "/v1/batch/registerIntent", req, &resp); err != nil {
		return "", err
	}
	if resp.IntentId == "" {
		return "", fmt.Errorf("missing intent id in response")
	}
	return resp.IntentId, nil
}

func (c *restClient) DeleteIntent(ctx context.Context, proof, message string) error {
	req := intentRequest{Intent: intentMessage{Proof: proof, Message: message}}
	return c.do(ctx, http.MethodPost, "/v1/batch/deleteIntent", req, nil)
}

func (c *restClient) ConfirmRegistration(ctx context.Context, intentId string) error {
	req := confirmRegistrationRequest{IntentId: intentId}
	return c.do(ctx, http.MethodPost, "/v1/batch/ack", req, nil)
}

func (c *restClient) SubmitTreeNonces(
	ctx context.Context, batchId, cosignerPubkey string, nonces tree.TreeNonces,
) error {
	req := submitTreeNoncesRequest{
		BatchId:    batchId,
		Pubkey:     cosignerPubkey,
		TreeNonces: nonces,
	}
	return c.do(ctx, http.MethodPost, "/v1/batch/tree/submitNonces", req, nil)
}

func (c *restClient) SubmitTreeSignatures(
	ctx context.Context, batchId, cosignerPubkey string, signatures tree.TreePartialSigs,
) error {
	req := submitTreeSignaturesRequest{
		BatchId:        batchId,
		Pubkey:         cosignerPubkey,
		TreeSignatures: signatures,
	}
	return c.do(ctx, http.MethodPost, "/v1/batch/tree/submitSignatures", req, nil)
}

func (c *restClient) SubmitSignedForfeitTxs(
	ctx context.Context, signedForfeitTxs []string, signedCommitmentTx string,
) error {
	req := submitSignedForfeitTxsRequest{
		SignedForfeitTxs:   signedForfeitTxs,
		SignedCommitmentTx: signedCommitmentTx,
	}
	return c.do(ctx, http.MethodPost, "/v1/batch/submitForfeitTxs", req, nil)
}

func (c *restClient) GetEventStream(
	ctx context.Context, topics []string,
) (<-chan domain.BatchEventChannel, func(), error) {
	query := url.Values{}
	for _, topic := range topics {
		query.Add("topics", topic)
	}
	endpoint := fmt.Sprintf("%s/v1/batch/events?%s", c.serverURL, query.Encode())

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	resp, err := c.streamClient.Do(req)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("failed to open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer cancel()
		// nolint:all
		defer resp.Body.Close()
		return nil, nil, parseErrorResponse(resp)
	}

	eventsCh := make(chan domain.BatchEventChannel)
	go func() {
		defer close(eventsCh)
		// nolint:all
		defer resp.Body.Close()

		send := func(ev domain.BatchEventChannel) bool {
			select {
			case eventsCh <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		reader := bufio.NewReader(resp.Body)
		for {
			msg, err := reader.ReadBytes('\n')
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if err == io.EOF {
					err = ErrConnectionClosedByServer
				}
				send(domain.BatchEventChannel{Err: err})
				return
			}

			msg = bytes.TrimSpace(msg)
			if len(msg) == 0 {
				continue
			}

			event, err := parseEventStreamMessage(msg)
			if err != nil {
				send(domain.BatchEventChannel{Err: err})
				return
			}
			if event == nil {
				log.Debugf("ignoring unknown event stream message: %s", string(msg))
				continue
			}
			if !send(domain.BatchEventChannel{Event: event}) {
				return
			}
		}
	}()

	return eventsCh, cancel, nil
}

func (c *restClient) Close() {
	c.httpClient.CloseIdleConnections()
	c.streamClient.CloseIdleConnections()
}

func (c *restClient) do(
	ctx context.Context, method, path string, body, result interface{},
) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to serialize request: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	// nolint:all
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return parseErrorResponse(resp)
	}
	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func parseErrorResponse(resp *http.Response) error {
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("got unexpected status %d code", resp.StatusCode)
	}

	errResp := errorResponse{}
	if err := json.Unmarshal(buf, &errResp); err != nil || errResp.Message == "" {
		return fmt.Errorf(
			"got unexpected status %d code: %s", resp.StatusCode, strings.TrimSpace(string(buf)),
		)
	}
	return fmt.Errorf("%s (status %d)", errResp.Message, resp.StatusCode)
}

func parseEventStreamMessage(msg []byte) (domain.BatchEvent, error) {
	resp := eventStreamMessage{}
	if err := json.Unmarshal(msg, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse message from event stream: %s", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("received error from event stream: %s", resp.Error.Message)
	}
	if resp.Result == nil {
		return nil, nil
	}
	return resp.Result.toBatchEvent()
}

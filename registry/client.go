package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	iface "DetStreamClient/interface"
	"DetStreamClient/logger"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	TimeOutSeconds = 5

	createPath = "/api/v1/user/create"
	linkPath   = "/api/v1/user/link-server"
	serverPath = "/api/v1/user/server"
	unlinkPath = "/api/v1/user/unlink-server"
)

var (
	ErrInvalidUser    = errors.New("invalid or missing user id")
	ErrServerNotFound = errors.New("server with this token not found")
	ErrUserNotFound   = errors.New("user not found")
	ErrNoServer       = errors.New("user has no linked server")
	ErrUnexpected     = errors.New("unexpected registry status")
)

type LinkServerRequest struct {
	ServerToken string `json:"server_token"`
}

type ServerInfo struct {
	BridgeURL string `json:"bridge_url"`
}

// CreateResult tells a fresh account apart from an existing one. Both are
// successes.
type CreateResult int

const (
	UserCreated CreateResult = iota
	UserExists
)

// Client talks to the server registry that maps a user to its detection
// service.
type Client struct {
	baseURL string
	http    *resty.Client
	log     *zap.Logger
}

func New(baseURL string) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, iface.ErrMissingRegistry
	}
	return &Client{
		baseURL: baseURL,
		http: resty.New().
			SetTimeout(TimeOutSeconds*time.Second).
			SetHeader("Content-Type", "application/json"),
		log: logger.Named("registry"),
	}, nil
}

func (c *Client) request(ctx context.Context, userID string) *resty.Request {
	return c.http.R().
		SetContext(ctx).
		SetHeader("User-ID", userID)
}

func unexpected(op string, resp *resty.Response) error {
	return fmt.Errorf("%s: %w: %s, body: %s", op, ErrUnexpected, resp.Status(), resp.String())
}

func (c *Client) CreateUser(ctx context.Context, userID string) (CreateResult, error) {
	resp, err := c.request(ctx, userID).Post(c.baseURL + createPath)
	if err != nil {
		return 0, fmt.Errorf("create user: %w", err)
	}
	switch resp.StatusCode() {
	case http.StatusCreated:
		c.log.Info("user created", zap.String("user", userID))
		return UserCreated, nil
	case http.StatusOK:
		c.log.Debug("user already exists", zap.String("user", userID))
		return UserExists, nil
	case http.StatusBadRequest:
		return 0, fmt.Errorf("create user: %w", ErrInvalidUser)
	default:
		return 0, unexpected("create user", resp)
	}
}

func (c *Client) LinkServer(ctx context.Context, userID, serverToken string) error {
	resp, err := c.request(ctx, userID).
		SetBody(LinkServerRequest{ServerToken: serverToken}).
		Post(c.baseURL + linkPath)
	if err != nil {
		return fmt.Errorf("link server: %w", err)
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		c.log.Info("server linked", zap.String("user", userID))
		return nil
	case http.StatusBadRequest:
		return fmt.Errorf("link server: %w", ErrInvalidUser)
	case http.StatusNotFound:
		return fmt.Errorf("link server: %w", ErrServerNotFound)
	default:
		return unexpected("link server", resp)
	}
}

func (c *Client) GetUserServer(ctx context.Context, userID string) (ServerInfo, error) {
	var info ServerInfo
	resp, err := c.request(ctx, userID).
		SetResult(&info).
		Get(c.baseURL + serverPath)
	if err != nil {
		return ServerInfo{}, fmt.Errorf("get user server: %w", err)
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		if info.BridgeURL == "" {
			return ServerInfo{}, fmt.Errorf("get user server: %w", ErrNoServer)
		}
		return info, nil
	case http.StatusBadRequest:
		return ServerInfo{}, fmt.Errorf("get user server: %w", ErrInvalidUser)
	case http.StatusNotFound:
		return ServerInfo{}, fmt.Errorf("get user server: %w", ErrNoServer)
	default:
		return ServerInfo{}, unexpected("get user server", resp)
	}
}

func (c *Client) UnlinkServer(ctx context.Context, userID string) error {
	resp, err := c.request(ctx, userID).Post(c.baseURL + unlinkPath)
	if err != nil {
		return fmt.Errorf("unlink server: %w", err)
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		c.log.Info("server unlinked", zap.String("user", userID))
		return nil
	case http.StatusBadRequest:
		return fmt.Errorf("unlink server: %w", ErrInvalidUser)
	case http.StatusNotFound:
		return fmt.Errorf("unlink server: %w", ErrUserNotFound)
	default:
		return unexpected("unlink server", resp)
	}
}

// Resolve ensures the account exists, links the pairing token when one is
// given, and returns the bridge URL of the user's detection service.
func (c *Client) Resolve(ctx context.Context, userID, pairingToken string) (string, error) {
	if _, err := c.CreateUser(ctx, userID); err != nil {
		return "", err
	}
	if pairingToken != "" {
		if err := c.LinkServer(ctx, userID, pairingToken); err != nil {
			return "", err
		}
	}
	info, err := c.GetUserServer(ctx, userID)
	if err != nil {
		return "", err
	}
	c.log.Info("endpoint resolved", zap.String("user", userID), zap.String("endpoint", info.BridgeURL))
	return info.BridgeURL, nil
}

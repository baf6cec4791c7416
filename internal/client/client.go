package client

import (
	"fmt"

	"github.com/matheus3301/mxd/internal/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn     *grpc.ClientConn
	Pipeline *api.PipelineClient
}

// New dials the daemon's Unix domain socket and returns the pipeline client.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}

	return &Client{
		conn:     conn,
		Pipeline: api.NewPipelineClient(conn),
	}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

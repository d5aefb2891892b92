package location

import (
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/example/safecircle/internal/auth"
	"github.com/example/safecircle/internal/domain"
)

// Authenticator resolves a bearer token to a user.
type Authenticator interface {
	Authenticate(token string) (domain.UserID, error)
}

// Ingestor accepts location samples.
type Ingestor interface {
	Update(ctx context.Context, sample domain.LocationSample) (Result, error)
}

// Server implements the LocationServer interface.
type Server struct {
	ingest Ingestor
	authn  Authenticator
	logger *zap.Logger
}

// NewServer constructs a server.
func NewServer(ingest Ingestor, authn Authenticator, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{ingest: ingest, authn: authn, logger: logger}
}

// StreamLocation ingests samples from an authenticated client until it
// closes the stream. Invalid frames are counted and skipped.
func (s *Server) StreamLocation(stream Location_StreamLocationServer) error {
	userID, err := s.authenticate(stream.Context())
	if err != nil {
		return status.Error(codes.Unauthenticated, err.Error())
	}
	var ack Ack
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return stream.SendAndClose(&ack)
		}
		if err != nil {
			return err
		}
		sample := domain.LocationSample{
			UserID:    userID,
			Latitude:  msg.Lat,
			Longitude: msg.Lng,
			Accuracy:  msg.Accuracy,
			Altitude:  msg.Altitude,
			Speed:     msg.Speed,
			Heading:   msg.Heading,
		}
		if msg.Ts > 0 {
			sample.CapturedAt = time.UnixMilli(msg.Ts).UTC()
		}
		if _, err := s.ingest.Update(stream.Context(), sample); err != nil {
			ack.Rejected++
			if !errors.Is(err, domain.ErrInvalidLocation) {
				s.logger.Warn("location ingest failed", zap.String("user_id", userID.String()), zap.Error(err))
			}
			continue
		}
		ack.Accepted++
	}
}

func (s *Server) authenticate(ctx context.Context) (domain.UserID, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return domain.UserID{}, auth.ErrInvalidToken
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return domain.UserID{}, auth.ErrInvalidToken
	}
	return s.authn.Authenticate(auth.TokenFromHeader(values[0]))
}

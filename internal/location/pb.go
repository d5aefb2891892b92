package location

import (
	"google.golang.org/grpc"
)

// Frame is one streamed location sample. The sender is taken from the
// stream's credentials, never from the frame.
type Frame struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Accuracy float64 `json:"accuracy"`
	Altitude float64 `json:"altitude"`
	Speed    float64 `json:"speed"`
	Heading  float64 `json:"heading"`
	Ts       int64   `json:"ts"`
}

// Ack is returned when the client closes the stream.
type Ack struct {
	Accepted int64 `json:"accepted"`
	Rejected int64 `json:"rejected"`
}

// LocationServer defines the gRPC contract.
type LocationServer interface {
	StreamLocation(Location_StreamLocationServer) error
}

// ServiceDesc describes the location ingest service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "location.Location",
	HandlerType: (*LocationServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "StreamLocation",
		Handler:       _Location_StreamLocation_Handler,
		ClientStreams: true,
	}},
}

// RegisterLocationServer registers service implementation.
func RegisterLocationServer(s grpc.ServiceRegistrar, srv LocationServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Location_StreamLocationServer is the server side of the client stream.
type Location_StreamLocationServer interface {
	grpc.ServerStream
	SendAndClose(*Ack) error
	Recv() (*Frame, error)
}

func _Location_StreamLocation_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(LocationServer).StreamLocation(&locationStreamServer{ServerStream: stream})
}

type locationStreamServer struct {
	grpc.ServerStream
}

func (s *locationStreamServer) SendAndClose(ack *Ack) error { return s.ServerStream.SendMsg(ack) }

func (s *locationStreamServer) Recv() (*Frame, error) {
	msg := new(Frame)
	if err := s.ServerStream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

package management

import (
	"context"

	"github.com/runtara/core/persistence"
	"github.com/runtara/core/protocol"
	"github.com/runtara/core/runtaraerr"
)

func (s *Server) registerImage(ctx context.Context, env protocol.Envelope) (any, error) {
	var req protocol.RegisterImageRequest
	if err := protocol.DecodeBody(env, &req); err != nil {
		return nil, runtaraerr.Wrap(runtaraerr.CodeValidationError, err, "decode RegisterImage")
	}
	tenantID, err := s.authenticate(req.Token)
	if err != nil {
		return nil, err
	}
	runnerType := persistence.RunnerType(req.RunnerType)
	if runnerType == "" {
		runnerType = persistence.RunnerOCI
	}
	var desc *string
	if req.Description != "" {
		desc = &req.Description
	}
	img, err := s.manager.Images().RegisterImage(ctx, tenantID, req.Name, desc, req.Binary, runnerType)
	if err != nil {
		return nil, err
	}
	return protocol.RegisterImageResponse{ImageID: img.ImageID}, nil
}

func (s *Server) listImages(ctx context.Context, env protocol.Envelope) (any, error) {
	var req protocol.ListImagesRequest
	if err := protocol.DecodeBody(env, &req); err != nil {
		return nil, runtaraerr.Wrap(runtaraerr.CodeValidationError, err, "decode ListImages")
	}
	tenantID, err := s.authenticate(req.Token)
	if err != nil {
		return nil, err
	}
	images, err := s.manager.Images().ListImages(ctx, tenantID, req.Limit, req.Offset)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.ImageSummary, 0, len(images))
	for _, img := range images {
		out = append(out, protocol.ImageSummary{
			ImageID:    img.ImageID,
			Name:       img.Name,
			RunnerType: string(img.RunnerType),
			CreatedAt:  img.CreatedAt.UnixMilli(),
		})
	}
	return protocol.ListImagesResponse{Images: out}, nil
}

func (s *Server) getImage(ctx context.Context, env protocol.Envelope) (any, error) {
	var req protocol.GetImageRequest
	if err := protocol.DecodeBody(env, &req); err != nil {
		return nil, runtaraerr.Wrap(runtaraerr.CodeValidationError, err, "decode GetImage")
	}
	if _, err := s.authenticate(req.Token); err != nil {
		return nil, err
	}
	img, err := s.manager.Images().GetImage(ctx, req.ImageID)
	if err != nil {
		return nil, err
	}
	resp := protocol.GetImageResponse{
		ImageID:    img.ImageID,
		Name:       img.Name,
		RunnerType: string(img.RunnerType),
		CreatedAt:  img.CreatedAt.UnixMilli(),
	}
	if img.SHA256 != nil {
		resp.SHA256 = *img.SHA256
	}
	return resp, nil
}

func (s *Server) deleteImage(ctx context.Context, env protocol.Envelope) (any, error) {
	var req protocol.DeleteImageRequest
	if err := protocol.DecodeBody(env, &req); err != nil {
		return nil, runtaraerr.Wrap(runtaraerr.CodeValidationError, err, "decode DeleteImage")
	}
	if _, err := s.authenticate(req.Token); err != nil {
		return nil, err
	}
	deleted, err := s.manager.Images().DeleteImage(ctx, req.ImageID)
	if err != nil {
		return nil, err
	}
	return protocol.DeleteImageResponse{Deleted: deleted}, nil
}

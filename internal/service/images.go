package service

import (
	"context"

	"github.com/iliyamo/civic-issue-reporting/internal/media"
	"github.com/iliyamo/civic-issue-reporting/internal/model"
	"github.com/iliyamo/civic-issue-reporting/internal/policy"
	"github.com/iliyamo/civic-issue-reporting/internal/queue"
)

// AddImage attaches an image to an issue the principal can see. The owner
// and municipal officers may add images.
func (s *IssueService) AddImage(ctx context.Context, p model.Principal, issueID uint64, up ImageUpload) (*ImageView, error) {
	v, err := s.addImage(ctx, p, issueID, up)
	return v, s.finish("add_image", err)
}

func (s *IssueService) addImage(ctx context.Context, p model.Principal, issueID uint64, up ImageUpload) (*ImageView, error) {
	is, _, err := s.loadFor(ctx, p, issueID, policy.ActionAddImage)
	if err != nil {
		return nil, err
	}

	errs := fieldErrors{}
	s.checkStruct(up, "", errs)
	img, ierr := media.Inspect(up.Data, s.cfg.ImageMaxBytes)
	if ierr != nil {
		errs.add("image", imageMessage(ierr, s.cfg.ImageMaxBytes))
	}
	if err := errs.err(); err != nil {
		return nil, err
	}

	row, err := s.storeImage(ctx, is.ID, img, up.Caption)
	if err != nil {
		return nil, err
	}
	s.logger.Info("image added", "issue_id", is.ID, "image_id", row.ID, "size", row.SizeBytes)
	ev := queue.NewIssueEvent(queue.IssueImageAdded, p, is, s.now())
	ev.ImageID = row.ID
	s.emit(ctx, ev)
	v := s.view(ctx, *row)
	return &v, nil
}

// GetImage returns image metadata when the owning issue is visible to p.
func (s *IssueService) GetImage(ctx context.Context, p model.Principal, imageID uint64) (*ImageView, error) {
	v, err := s.getImage(ctx, p, imageID)
	return v, s.finish("get_image", err)
}

func (s *IssueService) getImage(ctx context.Context, p model.Principal, imageID uint64) (*ImageView, error) {
	img, _, err := s.loadImageFor(ctx, p, imageID, policy.ActionRead)
	if err != nil {
		return nil, err
	}
	v := s.view(ctx, *img)
	return &v, nil
}

// DeleteImage removes one image. Visibility of the owning issue decides
// ErrNotFound; the policy decides ErrForbidden.
func (s *IssueService) DeleteImage(ctx context.Context, p model.Principal, imageID uint64) error {
	return s.finish("delete_image", s.deleteImage(ctx, p, imageID))
}

func (s *IssueService) deleteImage(ctx context.Context, p model.Principal, imageID uint64) error {
	img, is, err := s.loadImageFor(ctx, p, imageID, policy.ActionDeleteImage)
	if err != nil {
		return err
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.store.DeleteImage(sctx, imageID); err != nil {
		return fromStore(err)
	}
	s.deleteBlobs(ctx, []model.IssueImage{*img})
	s.logger.Info("image deleted", "issue_id", is.ID, "image_id", imageID, "actor_id", p.ID)
	ev := queue.NewIssueEvent(queue.IssueImageDeleted, p, is, s.now())
	ev.ImageID = imageID
	s.emit(ctx, ev)
	return nil
}

// loadImageFor fetches the image and its issue and evaluates action on the issue.
func (s *IssueService) loadImageFor(ctx context.Context, p model.Principal, imageID uint64, action policy.Action) (*model.IssueImage, *model.Issue, error) {
	if d := policy.Evaluate(p, action, nil); d.Denial == policy.DenialUnauthenticated {
		return nil, nil, ErrUnauthenticated
	}
	sctx, cancel := s.storeCtx(ctx)
	img, err := s.store.GetImage(sctx, imageID)
	cancel()
	if err != nil {
		return nil, nil, fromStore(err)
	}
	is, _, err := s.loadFor(ctx, p, img.IssueID, action)
	if err != nil {
		return nil, nil, err
	}
	return img, is, nil
}

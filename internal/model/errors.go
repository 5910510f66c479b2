package model

import "errors"

var (
	// ErrModelNotLoaded is returned by operations that need a built or loaded classifier.
	ErrModelNotLoaded = errors.New("model: no model has been built or loaded")
	// ErrInvalidClassCount is returned by Build for a class count below one.
	ErrInvalidClassCount = errors.New("model: class count must be at least 1")
	// ErrArtifactIO wraps failures reading or writing weights or the vocabulary file.
	ErrArtifactIO = errors.New("model: artifact i/o failed")
	// ErrVocabularyMismatch reports a class_names.txt that does not belong to the weights.
	ErrVocabularyMismatch = errors.New("model: vocabulary does not match weights")
	// ErrBackboneMismatch reports weights trained on a different feature extractor.
	ErrBackboneMismatch = errors.New("model: backbone does not match weights")
	// ErrEmptyDataset reports a training or evaluation tree without usable images.
	ErrEmptyDataset = errors.New("model: dataset has no images")
	// ErrTrainingDiverged reports a non-finite loss during training.
	ErrTrainingDiverged = errors.New("model: training diverged")
)

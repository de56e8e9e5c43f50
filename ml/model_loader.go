package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	KindDecisionTree       = "decision_tree"
	KindLogisticRegression = "logistic_regression"

	KindTreePath = "tree_path"
	KindLinear   = "linear"
)

// LoaderFunc decodes a classifier from an artifact stream. Registries accept
// one for formats whose runtime is optional.
type LoaderFunc func(r io.Reader) (Classifier, error)

type envelope struct {
	Kind  string          `json:"kind"`
	Model json.RawMessage `json:"model"`
}

func DecodeModel(r io.Reader) (Classifier, error) {
	var env envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode model envelope: %w", err)
	}
	switch env.Kind {
	case KindDecisionTree:
		model := &DecisionTree{}
		if err := unmarshalModel(env.Model, model); err != nil {
			return nil, err
		}
		if len(model.Nodes) == 0 {
			return nil, errors.New("decision tree has no nodes")
		}
		return model, nil
	case KindLogisticRegression:
		model := &LogisticRegression{}
		if err := unmarshalModel(env.Model, model); err != nil {
			return nil, err
		}
		if len(model.Coefficients) == 0 {
			return nil, errors.New("logistic regression has no coefficients")
		}
		return model, nil
	default:
		return nil, fmt.Errorf("unsupported model kind %q", env.Kind)
	}
}

func EncodeModel(w io.Writer, model Classifier) error {
	var kind string
	switch model.(type) {
	case *DecisionTree:
		kind = KindDecisionTree
	case *LogisticRegression:
		kind = KindLogisticRegression
	default:
		return fmt.Errorf("unsupported model type %T", model)
	}
	return encode(w, kind, model)
}

func DecodeExplainer(r io.Reader) (Explainer, error) {
	var env envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode explainer envelope: %w", err)
	}
	switch env.Kind {
	case KindTreePath:
		explainer := &TreePathExplainer{}
		if err := unmarshalModel(env.Model, explainer); err != nil {
			return nil, err
		}
		if explainer.Tree == nil || !explainer.Tree.calibrated() {
			return nil, errors.New("tree explainer needs node probabilities")
		}
		return explainer, nil
	case KindLinear:
		explainer := &LinearExplainer{}
		if err := unmarshalModel(env.Model, explainer); err != nil {
			return nil, err
		}
		return explainer, nil
	default:
		return nil, fmt.Errorf("unsupported explainer kind %q", env.Kind)
	}
}

func EncodeExplainer(w io.Writer, explainer Explainer) error {
	var kind string
	switch explainer.(type) {
	case *TreePathExplainer:
		kind = KindTreePath
	case *LinearExplainer:
		kind = KindLinear
	default:
		return fmt.Errorf("unsupported explainer type %T", explainer)
	}
	return encode(w, kind, explainer)
}

func encode(w io.Writer, kind string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(envelope{Kind: kind, Model: payload})
}

func unmarshalModel(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return errors.New("artifact has no model payload")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode model payload: %w", err)
	}
	return nil
}
